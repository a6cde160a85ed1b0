package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// Logs implements log group management, queries and console links on
// CloudWatch Logs.
type Logs struct {
	api    logsAPI
	region string
}

// retentionSteps are the values PutRetentionPolicy accepts.
var retentionSteps = []int{1, 3, 5, 7, 14, 30, 60, 90, 120, 150, 180, 365, 400, 545, 731, 1096, 1827, 2192, 2557, 2922, 3288, 3653}

// RetentionDays rounds days up to the nearest accepted retention value,
// saturating at the maximum.
func RetentionDays(days int) int {
	for _, s := range retentionSteps {
		if days <= s {
			return s
		}
	}
	return retentionSteps[len(retentionSteps)-1]
}

// EnsureLogGroup creates the group when missing and applies retention.
func (l *Logs) EnsureLogGroup(ctx context.Context, name string, retentionDays int, tags map[string]string) error {
	_, err := l.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(name),
		Tags:         tags,
	})
	if err != nil && !errs.IsAlreadyExists(err) {
		return errs.Wrap("logs.ensure", name, err)
	}
	if retentionDays <= 0 {
		return nil
	}
	_, err = l.api.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(name),
		RetentionInDays: aws.Int32(int32(RetentionDays(retentionDays))),
	})
	return errs.Wrap("logs.retention", name, err)
}

func (l *Logs) DeleteLogGroup(ctx context.Context, name string) error {
	_, err := l.api.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(name)})
	if err != nil && !errs.IsNotFound(err) {
		return errs.Wrap("logs.delete", name, err)
	}
	return nil
}

// QueryLogs returns one page of FilterLogEvents results.
func (l *Logs) QueryLogs(ctx context.Context, in provider.LogQueryInput) (provider.LogPage, error) {
	req := &cloudwatchlogs.FilterLogEventsInput{LogGroupName: aws.String(in.Group)}
	if in.Stream != "" {
		req.LogStreamNames = []string{in.Stream}
	}
	if in.Filter != "" {
		req.FilterPattern = aws.String(fmt.Sprintf("%q", in.Filter))
	}
	if !in.Since.IsZero() {
		req.StartTime = aws.Int64(in.Since.UnixMilli())
	}
	if !in.Until.IsZero() {
		req.EndTime = aws.Int64(in.Until.UnixMilli())
	}
	if in.Limit > 0 {
		req.Limit = aws.Int32(int32(in.Limit))
	}
	if in.Token != "" {
		req.NextToken = aws.String(in.Token)
	}

	out, err := l.api.FilterLogEvents(ctx, req)
	if err != nil {
		return provider.LogPage{}, errs.Wrap("logs.query", in.Group, err)
	}
	page := provider.LogPage{NextToken: aws.ToString(out.NextToken)}
	for _, e := range out.Events {
		page.Events = append(page.Events, provider.LogEvent{
			Timestamp: time.UnixMilli(aws.ToInt64(e.Timestamp)).UTC(),
			Message:   aws.ToString(e.Message),
		})
	}
	return page, nil
}

// ConsoleURL links to the group (and stream) in the CloudWatch console. The
// console fragment escapes '%' as "$25".
func (l *Logs) ConsoleURL(group, stream string) string {
	frag := "logsV2:log-groups/log-group/" + consoleEscape(group)
	if stream != "" {
		frag += "/log-events/" + consoleEscape(stream)
	}
	return fmt.Sprintf("https://%s.console.aws.amazon.com/cloudwatch/home?region=%s#%s", l.region, l.region, frag)
}

func consoleEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "%", "$25")
}
