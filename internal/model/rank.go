package model

import (
	"cmp"
	"time"
)

// RankKey is the tuple every ranked query path orders by.
type RankKey struct {
	Trust    int
	Salience int
	At       time.Time
	ID       int64
}

// CompareRank is the single total order used for experiences and cells:
// trust desc, salience desc, timestamp desc, id asc.
func CompareRank(a, b RankKey) int {
	if c := cmp.Compare(b.Trust, a.Trust); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Salience, a.Salience); c != 0 {
		return c
	}
	if c := b.At.Compare(a.At); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Rank returns the ordering key of an experience (timestamp = created_at).
func (e Experience) Rank() RankKey {
	return RankKey{Trust: e.Trust, Salience: e.Salience, At: e.CreatedAt, ID: e.ID}
}

// Rank returns the ordering key of a cell (timestamp = updated_at).
func (c Cell) Rank() RankKey {
	return RankKey{Trust: c.Trust, Salience: c.Salience, At: c.UpdatedAt, ID: c.ID}
}

// CompareEviction orders cells for cap eviction: salience asc, then id asc.
func CompareEviction(a, b Cell) int {
	if c := cmp.Compare(a.Salience, b.Salience); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
