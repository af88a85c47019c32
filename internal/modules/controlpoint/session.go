package controlpoint

import "time"

// sessionLease records which AirPlay client owns the renderer. A lease lapses
// once its owner has been silent for ttl; a zero ttl never lapses.
type sessionLease struct {
	owner  string
	ttl    time.Duration
	expiry time.Time
}

func (l *sessionLease) active(now time.Time) bool {
	if l.owner == "" {
		return false
	}
	return l.ttl <= 0 || now.Before(l.expiry)
}

func (l *sessionLease) heldBy(id string, now time.Time) bool {
	return l.active(now) && l.owner == id
}

func (l *sessionLease) acquire(owner string, now time.Time) {
	l.owner = owner
	l.renew(now)
}

func (l *sessionLease) renew(now time.Time) {
	if l.ttl > 0 {
		l.expiry = now.Add(l.ttl)
	}
}

func (l *sessionLease) release() {
	l.owner = ""
	l.expiry = time.Time{}
}
