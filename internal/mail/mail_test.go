package mail_test

import (
	"context"
	"testing"

	"github.com/atmx/spin-economy/internal/mail"
)

func TestMemoryOutbox(t *testing.T) {
	ctx := context.Background()
	o := mail.NewMemoryOutbox()

	o.Enqueue(ctx, "a", mail.RewardReferralJoin, 500)
	o.Enqueue(ctx, "b", mail.RewardReferralLevel, 50)
	o.Enqueue(ctx, "a", mail.RewardReferralLevel, 100)

	got := o.For("a")
	if len(got) != 2 {
		t.Fatalf("expected 2 rewards for a, got %d", len(got))
	}
	if got[0].RewardType != mail.RewardReferralJoin || got[0].Amount != 500 {
		t.Errorf("unexpected first reward %+v", got[0])
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Error("expected unique reward ids")
	}
	if o.Len() != 3 {
		t.Errorf("expected 3 rewards total, got %d", o.Len())
	}
}
