package aws

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

func TestRetentionDays(t *testing.T) {
	cases := map[int]int{1: 1, 2: 3, 7: 7, 10: 14, 31: 60, 400: 400, 5000: 3653}
	for in, want := range cases {
		if got := RetentionDays(in); got != want {
			t.Errorf("RetentionDays(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestEnsureLogGroup_Idempotent(t *testing.T) {
	f := &fakeLogs{}
	l := &Logs{api: f, region: "eu-west-1"}
	for i := 0; i < 2; i++ {
		if err := l.EnsureLogGroup(context.Background(), "/kanri/ws/demo", 10, nil); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if f.groups["/kanri/ws/demo"] != 14 {
		t.Errorf("retention = %d", f.groups["/kanri/ws/demo"])
	}
	if err := l.DeleteLogGroup(context.Background(), "/kanri/ws/demo"); err != nil {
		t.Fatal(err)
	}
	if err := l.DeleteLogGroup(context.Background(), "/kanri/ws/demo"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestQueryLogs(t *testing.T) {
	f := &fakeLogs{filterOut: &cloudwatchlogs.FilterLogEventsOutput{
		Events: []cwtypes.FilteredLogEvent{
			{Timestamp: aws.Int64(1700000000000), Message: aws.String("started")},
		},
		NextToken: aws.String("tok-2"),
	}}
	l := &Logs{api: f}
	since := time.UnixMilli(1699999999000)

	page, err := l.QueryLogs(context.Background(), provider.LogQueryInput{
		Group: "/kanri/ws/demo", Since: since, Limit: 50, Token: "tok-1", Filter: "ERROR",
	})
	if err != nil {
		t.Fatal(err)
	}
	if page.NextToken != "tok-2" || len(page.Events) != 1 || page.Events[0].Message != "started" {
		t.Errorf("page = %+v", page)
	}
	in := f.filterIn[0]
	if aws.ToInt64(in.StartTime) != since.UnixMilli() || aws.ToInt32(in.Limit) != 50 || aws.ToString(in.NextToken) != "tok-1" {
		t.Errorf("input = %+v", in)
	}
	if aws.ToString(in.FilterPattern) != `"ERROR"` {
		t.Errorf("filter = %q", aws.ToString(in.FilterPattern))
	}
}

func TestConsoleURL(t *testing.T) {
	l := &Logs{region: "eu-west-1"}
	got := l.ConsoleURL("/kanri/ws/demo", "")
	want := "https://eu-west-1.console.aws.amazon.com/cloudwatch/home?region=eu-west-1#logsV2:log-groups/log-group/$252Fkanri$252Fws$252Fdemo"
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
	if !strings.Contains(l.ConsoleURL("g", "i-1"), "/log-events/i-1") {
		t.Error("stream not included")
	}
}
