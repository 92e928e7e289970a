package domain

import "time"

// DateLayout is the format of DateKey values.
const DateLayout = "2006-01-02"

// DateKey returns the calendar-day key for t in t's location.
func DateKey(t time.Time) string { return t.Format(DateLayout) }

// ValidDateKey reports whether s parses as a DateKey.
func ValidDateKey(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// CutoffKey returns the DateKey `days` days before now. Entries with a key
// strictly lower than the cutoff are outside the retention window.
func CutoffKey(now time.Time, days int) string {
	return DateKey(now.AddDate(0, 0, -days))
}

// NewDocument returns an empty document with both top-level sections.
func NewDocument(now time.Time) *Document {
	return &Document{
		Users: map[string]*UserRecord{},
		System: SystemRecord{
			BatchRuns: map[string]*BatchRunRecord{},
			CreatedAt: now,
		},
	}
}

// NewUserRecord returns a fresh record with all sub-sections present.
func NewUserRecord(now time.Time) *UserRecord {
	return &UserRecord{
		Profile:  Profile{CreatedAt: now},
		Letters:  map[string]*Letter{},
		Requests: map[string]*Request{},
		RateLimits: RateLimits{
			DailyRequests: map[string]int{},
			APICalls:      map[string]int{},
		},
		Sessions: map[string]*Session{},
	}
}

// EnsureUser returns the record for id, creating it when missing.
func (d *Document) EnsureUser(id string, now time.Time) *UserRecord {
	if d.Users == nil {
		d.Users = map[string]*UserRecord{}
	}
	u, ok := d.Users[id]
	if !ok || u == nil {
		u = NewUserRecord(now)
		d.Users[id] = u
	}
	return u
}

// User returns the record for id without creating it.
func (d *Document) User(id string) (*UserRecord, bool) {
	u, ok := d.Users[id]
	return u, ok && u != nil
}

// Repair fills in any missing sections so that older or partially written
// documents can be used as-is. It reports whether anything was changed.
func (d *Document) Repair(now time.Time) bool {
	changed := false
	if d.Users == nil {
		d.Users = map[string]*UserRecord{}
		changed = true
	}
	if d.System.BatchRuns == nil {
		d.System.BatchRuns = map[string]*BatchRunRecord{}
		changed = true
	}
	if d.System.CreatedAt.IsZero() {
		d.System.CreatedAt = now
		changed = true
	}
	for id, u := range d.Users {
		if u == nil {
			d.Users[id] = NewUserRecord(now)
			changed = true
			continue
		}
		if u.repair(now) {
			changed = true
		}
	}
	for id, r := range d.System.BatchRuns {
		if r == nil {
			delete(d.System.BatchRuns, id)
			changed = true
		}
	}
	return changed
}

func (u *UserRecord) repair(now time.Time) bool {
	changed := false
	if u.Profile.CreatedAt.IsZero() {
		u.Profile.CreatedAt = now
		changed = true
	}
	if u.Letters == nil {
		u.Letters = map[string]*Letter{}
		changed = true
	}
	if u.Requests == nil {
		u.Requests = map[string]*Request{}
		changed = true
	}
	if u.RateLimits.DailyRequests == nil {
		u.RateLimits.DailyRequests = map[string]int{}
		changed = true
	}
	if u.RateLimits.APICalls == nil {
		u.RateLimits.APICalls = map[string]int{}
		changed = true
	}
	if u.Sessions == nil {
		u.Sessions = map[string]*Session{}
		changed = true
	}
	for k, v := range u.Letters {
		if v == nil {
			delete(u.Letters, k)
			changed = true
		}
	}
	for k, v := range u.Requests {
		if v == nil {
			delete(u.Requests, k)
			changed = true
		}
	}
	for k, v := range u.Sessions {
		if v == nil {
			delete(u.Sessions, k)
			changed = true
		}
	}
	return changed
}

// PruneCounts reports what PruneBefore removed.
type PruneCounts struct {
	Letters  int `json:"letters"`
	Requests int `json:"requests"`
	Counters int `json:"counters"`
}

// PruneBefore deletes letters, requests and rate-limit counters whose DateKey
// sorts before cutoff. Keys that are not valid dates are left alone.
func (u *UserRecord) PruneBefore(cutoff string) PruneCounts {
	var pc PruneCounts
	for k := range u.Letters {
		if ValidDateKey(k) && k < cutoff {
			delete(u.Letters, k)
			pc.Letters++
		}
	}
	for k := range u.Requests {
		if ValidDateKey(k) && k < cutoff {
			delete(u.Requests, k)
			pc.Requests++
		}
	}
	pc.Counters += pruneCounters(u.RateLimits.DailyRequests, cutoff)
	pc.Counters += pruneCounters(u.RateLimits.APICalls, cutoff)
	return pc
}

// PruneRequestsBefore deletes only request entries older than cutoff.
func (u *UserRecord) PruneRequestsBefore(cutoff string) int {
	n := 0
	for k := range u.Requests {
		if ValidDateKey(k) && k < cutoff {
			delete(u.Requests, k)
			n++
		}
	}
	return n
}

// PruneCountersBefore deletes only rate-limit counters older than cutoff.
func (u *UserRecord) PruneCountersBefore(cutoff string) int {
	return pruneCounters(u.RateLimits.DailyRequests, cutoff) + pruneCounters(u.RateLimits.APICalls, cutoff)
}

func pruneCounters(m map[string]int, cutoff string) int {
	n := 0
	for k := range m {
		if ValidDateKey(k) && k < cutoff {
			delete(m, k)
			n++
		}
	}
	return n
}
