// Package sharecode maps six-character join codes to live sessions. Codes
// are the anonymous entry path: a host shares "ABC123" out of band and
// guests resolve it at the WebSocket door. Entries expire on inactivity.
package sharecode

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/metrics"
)

// codePattern is the only accepted code shape.
var codePattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`)

// DefaultTTL is the sliding inactivity window for a code.
const DefaultTTL = 3600 * time.Second

// maxMintAttempts bounds collision retries. The space holds 26^3 * 10^3
// codes, so hitting this means the directory is effectively full.
const maxMintAttempts = 10

// IsCode reports whether s has the share-code shape, ignoring case. Used
// by admission to tell a code apart from a raw session id.
func IsCode(s string) bool {
	return codePattern.MatchString(strings.ToUpper(strings.TrimSpace(s)))
}

type entry struct {
	sessionID string
	expiresAt atomic.Int64 // unix nanoseconds
}

// Directory is the in-memory code table. All methods are safe for
// concurrent use.
type Directory struct {
	ttl       time.Duration
	codes     *xsync.Map[string, *entry]
	bySession *xsync.Map[string, string]
	now       func() time.Time
}

// NewDirectory creates a directory with the given sliding TTL.
func NewDirectory(ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{
		ttl:       ttl,
		codes:     xsync.NewMap[string, *entry](),
		bySession: xsync.NewMap[string, string](),
		now:       time.Now,
	}
}

// Assign mints a code for the session, retrying on collision. Assigning a
// session that already holds a live code returns that code unchanged.
func (d *Directory) Assign(sessionID string) (string, error) {
	if code, ok := d.bySession.Load(sessionID); ok {
		if e, ok := d.codes.Load(code); ok && !d.expired(e) {
			return code, nil
		}
	}

	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		code, err := mint()
		if err != nil {
			return "", err
		}
		e := &entry{sessionID: sessionID}
		e.expiresAt.Store(d.now().Add(d.ttl).UnixNano())

		if prev, loaded := d.codes.LoadOrStore(code, e); loaded {
			if !d.expired(prev) {
				continue // live collision, roll again
			}
			// Dead entry squatting on the code: replace it.
			d.bySession.Delete(prev.sessionID)
			d.codes.Store(code, e)
		}
		d.bySession.Store(sessionID, code)
		metrics.SetActiveShareCodes(d.codes.Size())
		return code, nil
	}
	return "", fmt.Errorf("mint share code: %d collisions in a row", maxMintAttempts)
}

// Resolve returns the session bound to a code. Input is normalized to
// uppercase. Expired entries are removed lazily and report not found.
func (d *Directory) Resolve(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !codePattern.MatchString(code) {
		return "", domain.ErrCodeNotFound
	}

	e, ok := d.codes.Load(code)
	if !ok {
		return "", domain.ErrCodeNotFound
	}
	if d.expired(e) {
		d.codes.Delete(code)
		d.bySession.Delete(e.sessionID)
		return "", domain.ErrCodeNotFound
	}
	return e.sessionID, nil
}

// Extend resets the expiry for the session's code. Called on session
// activity so active sessions keep their join code alive.
func (d *Directory) Extend(sessionID string) {
	code, ok := d.bySession.Load(sessionID)
	if !ok {
		return
	}
	if e, ok := d.codes.Load(code); ok {
		e.expiresAt.Store(d.now().Add(d.ttl).UnixNano())
	}
}

// Release drops the session's code immediately, if it has one.
func (d *Directory) Release(sessionID string) {
	code, ok := d.bySession.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	d.codes.Delete(code)
	metrics.SetActiveShareCodes(d.codes.Size())
}

// CodeFor returns the live code for a session.
func (d *Directory) CodeFor(sessionID string) (string, bool) {
	code, ok := d.bySession.Load(sessionID)
	if !ok {
		return "", false
	}
	if e, ok := d.codes.Load(code); !ok || d.expired(e) {
		return "", false
	}
	return code, true
}

// Reap removes all expired codes and returns the session ids they pointed
// at, so the caller can retire the sessions themselves.
func (d *Directory) Reap() []string {
	var reaped []string
	d.codes.Range(func(code string, e *entry) bool {
		if d.expired(e) {
			d.codes.Delete(code)
			d.bySession.Delete(e.sessionID)
			reaped = append(reaped, e.sessionID)
		}
		return true
	})
	metrics.SetActiveShareCodes(d.codes.Size())
	return reaped
}

// Len reports the number of codes currently held, including any not yet
// reaped.
func (d *Directory) Len() int {
	return d.codes.Size()
}

// TTL returns the sliding lifetime applied to codes, so callers can tell
// clients how long a fresh code stays valid.
func (d *Directory) TTL() time.Duration {
	return d.ttl
}

func (d *Directory) expired(e *entry) bool {
	return e.expiresAt.Load() <= d.now().UnixNano()
}

// mint draws a code uniformly from the AAA000 space.
func mint() (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("mint share code: %w", err)
	}
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteByte('A' + buf[i]%26)
	}
	for i := 3; i < 6; i++ {
		b.WriteByte('0' + buf[i]%10)
	}
	return b.String(), nil
}
