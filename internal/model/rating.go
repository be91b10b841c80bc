package model

import "time"

// Rating は試合における選手パフォーマンスへのユーザー評価を表す。
// (UserID, MatchID, PlayerID) につき1件。
type Rating struct {
	ID        string
	MatchID   string
	PlayerID  string
	UserID    string
	Stars     int
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RatingSummary は試合内の選手ごとの評価集計。
type RatingSummary struct {
	PlayerID      string
	Average       float64
	Count         int
	LatestComment string
}
