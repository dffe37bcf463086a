package service

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"time"
)

const (
	// OrderIDPrefix starts every human-readable order id.
	OrderIDPrefix = "LIET-ORD"

	orderIDSuffixLen = 6
	orderIDAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var orderIDPattern = regexp.MustCompile(`^LIET-ORD-\d{8}-\d{6}-[A-Z0-9]{6}$`)

// ValidOrderID reports whether s has the LIET-ORD-YYYYMMDD-HHMMSS-XXXXXX shape.
func ValidOrderID(s string) bool {
	return orderIDPattern.MatchString(s)
}

// LoadOrderLocation resolves the civil time zone order ids are rendered in.
// Hosts without tzdata fall back to a fixed +05:30 offset for Asia/Kolkata.
func LoadOrderLocation(name string) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if name == "Asia/Kolkata" || name == "IST" {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return time.UTC
}

// OrderIDGenerator builds human-readable order ids
type OrderIDGenerator struct {
	loc  *time.Location
	rand io.Reader
}

// NewOrderIDGenerator creates a generator rendering timestamps in loc
func NewOrderIDGenerator(loc *time.Location) *OrderIDGenerator {
	if loc == nil {
		loc = time.UTC
	}
	return &OrderIDGenerator{loc: loc, rand: rand.Reader}
}

// Generate returns LIET-ORD-YYYYMMDD-HHMMSS-XXXXXX for t.
func (g *OrderIDGenerator) Generate(t time.Time) (string, error) {
	suffix, err := g.suffix()
	if err != nil {
		return "", fmt.Errorf("failed to generate order id suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s", OrderIDPrefix, t.In(g.loc).Format("20060102-150405"), suffix), nil
}

// suffix draws uniformly from the alphabet; bytes at or above the largest
// multiple of the alphabet size are rejected to avoid modulo bias.
func (g *OrderIDGenerator) suffix() (string, error) {
	const limit = 256 - 256%len(orderIDAlphabet)

	out := make([]byte, 0, orderIDSuffixLen)
	buf := make([]byte, orderIDSuffixLen*2)
	for len(out) < orderIDSuffixLen {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, orderIDAlphabet[int(b)%len(orderIDAlphabet)])
			if len(out) == orderIDSuffixLen {
				break
			}
		}
	}
	return string(out), nil
}
