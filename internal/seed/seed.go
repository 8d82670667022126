// Package seed generates demo identification events shaped like vendor
// webhook deliveries and feeds them through the ingest path.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/fpdemo/internal/ingest"
	"example.com/fpdemo/internal/vendor"
)

var (
	browsers  = []string{"Chrome", "Firefox", "Safari", "Edge"}
	systems   = []string{"Windows", "Mac OS X", "Linux", "iOS", "Android"}
	pages     = []string{"/", "/pricing", "/login", "/signup", "/checkout", "/account"}
	hosts     = []string{"https://shop.example.com", "https://demo.playground.dev"}
	botResult = []string{"notDetected", "notDetected", "notDetected", "good", "bad"}
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generator produces random but well-formed webhook payloads.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// New returns a generator. The same seed yields the same visitor IDs and
// signals; request IDs are always unique.
func New(seed int64, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{rnd: rand.New(rand.NewSource(seed)), now: now}
}

// VisitorID returns a 20 character vendor-style visitor ID.
func (g *Generator) VisitorID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteByte(idAlphabet[g.rnd.Intn(len(idAlphabet))])
	}
	return b.String()
}

// Payload returns a flat webhook body for visitorID with a timestamp within
// span before now.
func (g *Generator) Payload(visitorID string, span time.Duration) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UTC()
	if span > 0 {
		ts = ts.Add(-time.Duration(g.rnd.Int63n(int64(span))))
	}
	body := map[string]any{
		"visitorId": visitorID,
		"requestId": fmt.Sprintf("%d.seed-%s", ts.UnixMilli(), uuid.NewString()[:8]),
		"timestamp": ts.UnixMilli(),
		"time":      ts.Format(vendor.EventTimeLayout),
		"ip":        fmt.Sprintf("203.0.113.%d", 1+g.rnd.Intn(254)),
		"incognito": g.rnd.Intn(5) == 0,
		"url":       hosts[g.rnd.Intn(len(hosts))] + pages[g.rnd.Intn(len(pages))],
		"browserDetails": map[string]any{
			"browserName":         browsers[g.rnd.Intn(len(browsers))],
			"browserMajorVersion": fmt.Sprint(100 + g.rnd.Intn(30)),
			"os":                  systems[g.rnd.Intn(len(systems))],
		},
		"confidence": map[string]any{"score": 0.9 + float64(g.rnd.Intn(10))/100},
		"bot":        map[string]any{"result": botResult[g.rnd.Intn(len(botResult))]},
		"vpn":        map[string]any{"result": g.rnd.Intn(6) == 0},
	}
	raw, _ := json.Marshal(body)
	return raw
}

// Options controls a seeding run.
type Options struct {
	Visitors int
	Events   int
	// Span bounds how far in the past event timestamps fall.
	Span   time.Duration
	Logger *slog.Logger
}

// Summary reports what a run stored.
type Summary struct {
	Visitors   int `json:"visitors"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// Run spreads opts.Events deliveries over opts.Visitors new visitors and
// dispatches each one like a webhook would.
func Run(ctx context.Context, d ingest.Dispatcher, g *Generator, opts Options) (Summary, error) {
	if opts.Visitors <= 0 {
		opts.Visitors = 1
	}
	if opts.Events < opts.Visitors {
		opts.Events = opts.Visitors
	}
	if opts.Span <= 0 {
		opts.Span = 30 * 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ids := make([]string, opts.Visitors)
	for i := range ids {
		ids[i] = g.VisitorID()
	}

	summary := Summary{Visitors: opts.Visitors}
	for i := 0; i < opts.Events; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		// Every visitor gets at least one event; the rest land at random.
		id := ids[i%len(ids)]
		if i >= len(ids) {
			g.mu.Lock()
			id = ids[g.rnd.Intn(len(ids))]
			g.mu.Unlock()
		}
		ev, err := vendor.Normalize(g.Payload(id, opts.Span), g.now())
		if err != nil {
			return summary, fmt.Errorf("normalize seed payload: %w", err)
		}
		res, err := d.Dispatch(ctx, ev)
		if err != nil {
			return summary, fmt.Errorf("dispatch seed event: %w", err)
		}
		if res.Duplicate {
			summary.Duplicates++
		} else {
			summary.Inserted++
		}
	}
	logger.Info("seed completed", "visitors", summary.Visitors, "inserted", summary.Inserted, "duplicates", summary.Duplicates)
	return summary, nil
}
