package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

func hitlSettings() config.HITLSettings {
	return config.HITLSettings{
		DefaultTTL:    config.Duration(time.Hour),
		SweepInterval: config.Duration(time.Minute),
	}
}

func TestRequestCreatesPending(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	svc := NewService(NewMemoryStore(), hitlSettings(), clk, nil, nil)

	a, err := svc.Request(context.Background(), Request{
		RunID: "r1", TurnIndex: 2, RequesterAgent: "analyst",
		Action: "tool:send_email", Risk: models.RiskHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, a.Status)
	assert.Equal(t, clk.Now().Add(time.Hour), a.ExpiresAt, "default TTL applies")
}

func TestAutoApproveRules(t *testing.T) {
	cfg := hitlSettings()
	cfg.AutoApprove = []config.AutoApproveRule{
		{Actions: []string{"tool:lookup"}, MaxRisk: "medium"},
		{Actions: []string{"*"}, MaxRisk: "low"},
	}

	tests := []struct {
		name     string
		action   string
		risk     models.RiskTier
		approved bool
	}{
		{"covered action at covered risk", "tool:lookup", models.RiskMedium, true},
		{"covered action above max risk", "tool:lookup", models.RiskHigh, false},
		{"wildcard covers low risk", "tool:anything", models.RiskLow, true},
		{"wildcard does not cover medium", "tool:anything", models.RiskMedium, false},
		{"critical never auto-approves", "tool:lookup", models.RiskCritical, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resolved []models.Approval
			svc := NewService(NewMemoryStore(), cfg, clock.NewFake(time.Unix(1000, 0)),
				func(a models.Approval) { resolved = append(resolved, a) }, nil)

			a, err := svc.Request(context.Background(), Request{
				RunID: "r1", Action: tt.action, Risk: tt.risk,
			})
			require.NoError(t, err)
			if tt.approved {
				assert.Equal(t, models.ApprovalApproved, a.Status)
				assert.Equal(t, "auto", a.DeciderID)
				require.Len(t, resolved, 1, "resolve callback fires on auto-approval")
			} else {
				assert.Equal(t, models.ApprovalPending, a.Status)
				assert.Empty(t, resolved)
			}
		})
	}
}

func TestAwaitBlocksUntilDecision(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	svc := NewService(NewMemoryStore(), hitlSettings(), clk, nil, nil)
	a, err := svc.Request(context.Background(), Request{RunID: "r1", Action: "tool:deploy", Risk: models.RiskHigh})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var got Decision
	var awaitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, awaitErr = svc.Await(context.Background(), a.ID)
	}()

	// Give the waiter a moment to register, then decide.
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.waiters[a.ID]) == 1
	}, time.Second, time.Millisecond)

	_, err = svc.Decide(context.Background(), a.ID, models.ApprovalApproved, "reviewed", "alice")
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, awaitErr)
	assert.True(t, got.Approved())
	assert.Equal(t, "alice", got.DeciderID)
}

func TestAwaitAlreadyDecided(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	svc := NewService(NewMemoryStore(), hitlSettings(), clk, nil, nil)
	a, err := svc.Request(context.Background(), Request{RunID: "r1", Action: "tool:deploy", Risk: models.RiskHigh})
	require.NoError(t, err)
	_, err = svc.Decide(context.Background(), a.ID, models.ApprovalRejected, "too risky", "bob")
	require.NoError(t, err)

	d, err := svc.Await(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, d.Approved())
	assert.Equal(t, "too risky", d.Reason)
}

func TestAwaitCancellable(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	svc := NewService(NewMemoryStore(), hitlSettings(), clk, nil, nil)
	a, err := svc.Request(context.Background(), Request{RunID: "r1", Action: "tool:deploy", Risk: models.RiskHigh})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Await(ctx, a.ID)
	assert.ErrorIs(t, err, context.Canceled)

	svc.mu.Lock()
	assert.Empty(t, svc.waiters[a.ID], "cancelled waiter is dropped")
	svc.mu.Unlock()
}

func TestDecideRejectsInvalidStatus(t *testing.T) {
	svc := NewService(NewMemoryStore(), hitlSettings(), clock.NewFake(time.Unix(1000, 0)), nil, nil)
	_, err := svc.Decide(context.Background(), "a1", models.ApprovalExpired, "", "x")
	assert.Error(t, err)
}

func TestExpireSweepNotifiesWaiters(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	var resolved []models.Approval
	svc := NewService(NewMemoryStore(), hitlSettings(), clk,
		func(a models.Approval) { resolved = append(resolved, a) }, nil)
	a, err := svc.Request(context.Background(), Request{
		RunID: "r1", Action: "tool:deploy", Risk: models.RiskHigh, TTL: time.Minute,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var got Decision
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _ = svc.Await(context.Background(), a.ID)
	}()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.waiters[a.ID]) == 1
	}, time.Second, time.Millisecond)

	clk.Advance(2 * time.Minute)
	n, err := svc.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wg.Wait()
	assert.Equal(t, models.ApprovalExpired, got.Status)
	assert.Equal(t, models.ExpiredReason, got.Reason)
	require.Len(t, resolved, 1)
}

func TestSweeperExpiresInBackground(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	svc := NewService(NewMemoryStore(), hitlSettings(), clk, nil, nil)
	a, err := svc.Request(context.Background(), Request{
		RunID: "r1", Action: "tool:deploy", Risk: models.RiskHigh, TTL: time.Minute,
	})
	require.NoError(t, err)

	sw := NewSweeper(svc, time.Minute, clk, nil)
	sw.Start()
	defer sw.Stop()

	// Wait for the loop to arm its timer, then fire it past the TTL.
	require.Eventually(t, func() bool { return clk.Waiters() > 0 }, time.Second, time.Millisecond)
	clk.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), a.ID)
		return err == nil && got.Status == models.ApprovalExpired
	}, time.Second, time.Millisecond)
}
