package route

import (
	"errors"
	"testing"

	"github.com/upscript/marketing-relay/internal/forward"
	"github.com/upscript/marketing-relay/internal/killswitch"
)

func TestBuildPlan(t *testing.T) {
	primary := &killswitch.Primary{ID: "cfg-1", URL: "https://tags.example.com", Active: true}
	directs := []killswitch.Direct{
		{CredentialID: "cred-1", PlatformCode: "meta_capi", PlatformActive: true, CredentialActive: true},
		{CredentialID: "cred-2", PlatformCode: "tiktok_events", PlatformActive: true, CredentialActive: true},
	}

	tests := []struct {
		name      string
		decision  killswitch.Decision
		succeeded map[string]bool
		wantErr   error
		wantDests []string
	}{
		{
			name:     "tenant disabled",
			decision: killswitch.Decision{},
			wantErr:  ErrTenantDisabled,
		},
		{
			name:     "nothing eligible",
			decision: killswitch.Decision{TenantActive: true},
			wantErr:  ErrNoEligibleDestination,
		},
		{
			name:      "primary single item",
			decision:  killswitch.Decision{TenantActive: true, UsePrimary: true, Primary: primary},
			wantDests: []string{"sgtm"},
		},
		{
			name:      "primary already succeeded yields empty plan",
			decision:  killswitch.Decision{TenantActive: true, UsePrimary: true, Primary: primary},
			succeeded: map[string]bool{"sgtm": true},
			wantDests: []string{},
		},
		{
			name:      "direct fan out",
			decision:  killswitch.Decision{TenantActive: true, Direct: directs},
			wantDests: []string{"meta_capi:cred-1", "tiktok_events:cred-2"},
		},
		{
			name:      "selective retry skips succeeded destination",
			decision:  killswitch.Decision{TenantActive: true, Direct: directs},
			succeeded: map[string]bool{"meta_capi:cred-1": true},
			wantDests: []string{"tiktok_events:cred-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildPlan(tt.decision, tt.succeeded)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("BuildPlan error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildPlan error: %v", err)
			}
			if len(plan.Items) != len(tt.wantDests) {
				t.Fatalf("len(Items) = %d, want %d", len(plan.Items), len(tt.wantDests))
			}
			for i, want := range tt.wantDests {
				if plan.Items[i].Destination != want {
					t.Errorf("Items[%d].Destination = %q, want %q", i, plan.Items[i].Destination, want)
				}
			}
		})
	}
}

func TestBuildPlanItemWiring(t *testing.T) {
	d := killswitch.Decision{
		TenantActive: true,
		Direct: []killswitch.Direct{
			{CredentialID: "cred-1", PlatformCode: "meta_capi", PlatformActive: true, CredentialActive: true, PixelID: "px-1"},
		},
	}

	plan, err := BuildPlan(d, nil)
	if err != nil {
		t.Fatalf("BuildPlan error: %v", err)
	}
	item := plan.Items[0]
	if item.Kind != KindDirect {
		t.Errorf("Kind = %q, want %q", item.Kind, KindDirect)
	}
	if item.Direct == nil || item.Direct.PixelID != "px-1" {
		t.Errorf("Direct credential not carried through: %+v", item.Direct)
	}
}

func TestAggregate(t *testing.T) {
	ok := forward.OK(200, "")
	retryable := forward.Fail("destination returned 503", 503, "", true)
	permanent := forward.Fail("destination returned 400", 400, "", false)

	item := func(dest string) Item { return Item{Destination: dest} }

	tests := []struct {
		name    string
		results []Result
		want    Disposition
	}{
		{
			name:    "all success delivered",
			results: []Result{{item("a"), ok}, {item("b"), ok}},
			want:    Delivered,
		},
		{
			name:    "empty results delivered",
			results: nil,
			want:    Delivered,
		},
		{
			name:    "one retryable failure retries",
			results: []Result{{item("a"), ok}, {item("b"), retryable}},
			want:    Retry,
		},
		{
			name:    "mixed permanent and retryable retries",
			results: []Result{{item("a"), permanent}, {item("b"), retryable}},
			want:    Retry,
		},
		{
			name:    "all permanent fails",
			results: []Result{{item("a"), permanent}, {item("b"), permanent}},
			want:    Failed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.results)
			if got.Disposition != tt.want {
				t.Errorf("Disposition = %v, want %v", got.Disposition, tt.want)
			}
			if tt.want != Delivered && got.LastError == "" {
				t.Error("failure dispositions must carry LastError")
			}
		})
	}
}

func TestAggregateLastErrorNamesDestination(t *testing.T) {
	got := Aggregate([]Result{
		{Item{Destination: "meta_capi:cred-1"}, forward.Fail("destination returned 500", 500, "", true)},
	})
	if got.LastError != "meta_capi:cred-1: destination returned 500" {
		t.Errorf("LastError = %q", got.LastError)
	}
}
