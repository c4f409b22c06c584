// Package notify renders run digests and delivers them. The log sink
// always fires; a webhook is optional. Zero-valued counters are left
// out of the summary entirely so a quiet run reads as quiet.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/resilience"
)

// DefaultMinConfidence is the floor below which new items are kept out
// of the digest's findings section.
const DefaultMinConfidence = 0.7

// Summary renders the one-line human summary of a run. Every segment
// with a zero count is omitted; a run with nothing to report renders
// "nothing new".
func Summary(stats *model.RunStats) string {
	segments := make([]string, 0, 8)
	add := func(n int, singular, plural string) {
		if n == 0 {
			return
		}
		word := plural
		if n == 1 {
			word = singular
		}
		segments = append(segments, fmt.Sprintf("%d %s", n, word))
	}

	add(stats.SourcesCrawled, "source crawled", "sources crawled")
	add(stats.PublicationsFound, "publication found", "publications found")
	add(stats.CandidatesFound, "candidate", "candidates")
	add(stats.TriagePassed, "passed triage", "passed triage")
	add(stats.NewItems, "new item", "new items")
	add(stats.Resolved, "update resolved", "updates resolved")
	add(stats.Conflicts, "conflict", "conflicts")
	add(stats.Failures, "failure", "failures")

	if len(segments) == 0 {
		return "nothing new"
	}
	out := strings.Join(segments, ", ")
	if stats.Partial {
		out += " (partial run)"
	}
	return out
}

// Findings are the run's created guidance items, split the way the
// report presents them: tests never seen before versus new indications
// for tests already tracked.
type Findings struct {
	NewTests       []model.GuidanceItem
	NewIndications []model.GuidanceItem
}

// Subject renders the findings headline, "2 new tests + 1 new
// indication". Empty findings render the empty string.
func Subject(f Findings) string {
	parts := make([]string, 0, 2)
	if n := len(f.NewTests); n > 0 {
		parts = append(parts, fmt.Sprintf("%d new test%s", n, plural(n)))
	}
	if n := len(f.NewIndications); n > 0 {
		parts = append(parts, fmt.Sprintf("%d new indication%s", n, plural(n)))
	}
	return strings.Join(parts, " + ")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// Digest renders the multi-line report: the summary line, the findings
// headline, and one section per findings bucket with the strongest
// results first.
func Digest(stats *model.RunStats, f Findings) string {
	var b strings.Builder
	b.WriteString(Summary(stats))
	if subject := Subject(f); subject != "" {
		b.WriteString("\n\n")
		b.WriteString(subject)
	}
	writeSection(&b, "New tests:", f.NewTests)
	writeSection(&b, "New indications:", f.NewIndications)
	return b.String()
}

func writeSection(b *strings.Builder, header string, items []model.GuidanceItem) {
	if len(items) == 0 {
		return
	}
	sorted := append([]model.GuidanceItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	b.WriteString("\n\n")
	b.WriteString(header)
	for _, item := range sorted {
		title := item.Title
		if title == "" {
			title = item.SourceID
		}
		fmt.Fprintf(b, "\n- %s [%s]", title, item.SourceType)
		if len(item.TestIDs) > 0 {
			fmt.Fprintf(b, " %s", strings.Join(item.TestIDs, ", "))
		}
		if item.EffectiveDate != "" {
			fmt.Fprintf(b, " effective %s", item.EffectiveDate)
		}
		fmt.Fprintf(b, " (confidence %.2f)", item.Confidence)
	}
}

// Config tunes delivery.
type Config struct {
	WebhookURL    string
	MinConfidence float64
	Timeout       time.Duration
	Retry         resilience.RetryConfig
}

// Notifier delivers run digests.
type Notifier struct {
	cfg    Config
	client *http.Client
}

// New builds a notifier. With no webhook URL only the log sink fires.
func New(cfg Config) *Notifier {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Notify logs the digest and posts it to the webhook when configured.
// Items below the confidence floor stay out of the findings sections.
func (n *Notifier) Notify(ctx context.Context, stats *model.RunStats, findings Findings) error {
	findings = n.filter(findings)
	digest := Digest(stats, findings)

	zap.L().Info("run complete",
		zap.String("run_id", stats.RunID),
		zap.String("summary", Summary(stats)),
		zap.Bool("partial", stats.Partial),
		zap.Duration("duration", stats.Duration),
		zap.Int("new_tests", len(findings.NewTests)),
		zap.Int("new_indications", len(findings.NewIndications)))

	if n.cfg.WebhookURL == "" {
		return nil
	}
	return n.post(ctx, stats, findings, digest)
}

func (n *Notifier) filter(findings Findings) Findings {
	keep := func(items []model.GuidanceItem) []model.GuidanceItem {
		out := make([]model.GuidanceItem, 0, len(items))
		for _, item := range items {
			if item.Confidence >= n.cfg.MinConfidence {
				out = append(out, item)
			}
		}
		return out
	}
	return Findings{
		NewTests:       keep(findings.NewTests),
		NewIndications: keep(findings.NewIndications),
	}
}

type webhookPayload struct {
	RunID          string               `json:"run_id"`
	Subject        string               `json:"subject,omitempty"`
	Summary        string               `json:"summary"`
	Digest         string               `json:"digest"`
	Stats          *model.RunStats      `json:"stats"`
	NewTests       []model.GuidanceItem `json:"new_tests,omitempty"`
	NewIndications []model.GuidanceItem `json:"new_indications,omitempty"`
}

func (n *Notifier) post(ctx context.Context, stats *model.RunStats, findings Findings, digest string) error {
	body, err := json.Marshal(webhookPayload{
		RunID:          stats.RunID,
		Subject:        Subject(findings),
		Summary:        Summary(stats),
		Digest:         digest,
		Stats:          stats,
		NewTests:       findings.NewTests,
		NewIndications: findings.NewIndications,
	})
	if err != nil {
		return eris.Wrap(err, "marshal webhook payload")
	}

	retry := n.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("webhook", "notify")
	}
	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "build webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return resilience.TransientIO(eris.Wrap(err, "post webhook"), 0)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			err := eris.Errorf("webhook returned %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.TransientIO(err, resp.StatusCode)
			}
			return resilience.PermanentSource(err)
		}
		return nil
	})
}
