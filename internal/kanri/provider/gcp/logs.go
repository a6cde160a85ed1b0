package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	logging "cloud.google.com/go/logging/apiv2"
	"cloud.google.com/go/logging/apiv2/loggingpb"
	"google.golang.org/api/iterator"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// entryLister returns one page of log entries and the next page token.
type entryLister interface {
	ListEntries(ctx context.Context, req *loggingpb.ListLogEntriesRequest) ([]*loggingpb.LogEntry, string, error)
}

// pagerLister pages the generated iterator with iterator.NewPager so the
// caller controls page size and continuation.
type pagerLister struct {
	c *logging.Client
}

func (p pagerLister) ListEntries(ctx context.Context, req *loggingpb.ListLogEntriesRequest) ([]*loggingpb.LogEntry, string, error) {
	it := p.c.ListLogEntries(ctx, req)
	var entries []*loggingpb.LogEntry
	next, err := iterator.NewPager(it, int(req.GetPageSize()), req.GetPageToken()).NextPage(&entries)
	if err != nil {
		return nil, "", err
	}
	return entries, next, nil
}

// Logs implements log queries and console links on Cloud Logging. Cloud
// Logging has no log groups: queries are scoped to the project and filtered
// by the instance name carried in LogQueryInput.Stream.
type Logs struct {
	api     entryLister
	project string
}

const defaultPageSize = 100

// Filter builds the Logging query language filter for in.
func (l *Logs) Filter(in provider.LogQueryInput) string {
	parts := []string{`resource.type="gce_instance"`}
	if in.Stream != "" {
		parts = append(parts, fmt.Sprintf("jsonPayload.instance.name=%q", in.Stream))
	}
	if !in.Since.IsZero() {
		parts = append(parts, fmt.Sprintf("timestamp>=%q", in.Since.UTC().Format(time.RFC3339)))
	}
	if !in.Until.IsZero() {
		parts = append(parts, fmt.Sprintf("timestamp<%q", in.Until.UTC().Format(time.RFC3339)))
	}
	if in.Filter != "" {
		parts = append(parts, fmt.Sprintf("%q", in.Filter))
	}
	return strings.Join(parts, " AND ")
}

// QueryLogs returns one page, newest first.
func (l *Logs) QueryLogs(ctx context.Context, in provider.LogQueryInput) (provider.LogPage, error) {
	size := in.Limit
	if size <= 0 {
		size = defaultPageSize
	}
	req := &loggingpb.ListLogEntriesRequest{
		ResourceNames: []string{"projects/" + l.project},
		Filter:        l.Filter(in),
		OrderBy:       "timestamp desc",
		PageSize:      int32(size),
		PageToken:     in.Token,
	}
	entries, next, err := l.api.ListEntries(ctx, req)
	if err != nil {
		return provider.LogPage{}, errs.Wrap("logs.query", l.project, err)
	}
	page := provider.LogPage{NextToken: next}
	for _, e := range entries {
		page.Events = append(page.Events, provider.LogEvent{
			Timestamp: e.GetTimestamp().AsTime(),
			Message:   message(e),
		})
	}
	return page, nil
}

func message(e *loggingpb.LogEntry) string {
	if t := e.GetTextPayload(); t != "" {
		return t
	}
	if js := e.GetJsonPayload(); js != nil {
		m := js.AsMap()
		if msg, ok := m["message"].(string); ok {
			return msg
		}
		if msg, ok := m["data"].(string); ok {
			return msg
		}
		b, err := json.Marshal(m)
		if err == nil {
			return string(b)
		}
	}
	return ""
}

// ConsoleURL links to the Logs Explorer with the instance filter applied.
// group is unused on GCP.
func (l *Logs) ConsoleURL(_ string, stream string) string {
	q := l.Filter(provider.LogQueryInput{Stream: stream})
	return "https://console.cloud.google.com/logs/query;query=" + url.PathEscape(q) + "?project=" + url.QueryEscape(l.project)
}
