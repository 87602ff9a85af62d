package identity_test

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atmx/spin-economy/internal/identity"
)

func TestResolve_Token(t *testing.T) {
	p := identity.NewProvider("secret")
	tok, err := p.Issue("player-1", "Ada", true, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	r.Header.Set(identity.GuestHeader, "guest_ignored")

	id, err := p.Resolve(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.PlayerID != "player-1" || id.DisplayName != "Ada" || !id.Admin || id.IsGuest {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestResolve_Guest(t *testing.T) {
	p := identity.NewProvider("secret")
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(identity.GuestHeader, "guest_abc")

	id, err := p.Resolve(r)
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsGuest || id.PlayerID != "guest_abc" || id.Admin {
		t.Errorf("unexpected guest identity %+v", id)
	}
}

func TestResolve_Rejections(t *testing.T) {
	p := identity.NewProvider("secret")
	other := identity.NewProvider("other")
	forged, _ := other.Issue("player-1", "", false, time.Hour)
	expired, _ := p.Issue("player-1", "", false, -time.Hour)
	guestSubject, _ := p.Issue("guest_x", "", false, time.Hour)

	cases := []struct {
		name   string
		header string
		value  string
		want   error
	}{
		{"none", "", "", identity.ErrUnauthenticated},
		{"forged", "Authorization", "Bearer " + forged, identity.ErrInvalidToken},
		{"expired", "Authorization", "Bearer " + expired, identity.ErrInvalidToken},
		{"guest subject", "Authorization", "Bearer " + guestSubject, identity.ErrInvalidToken},
		{"garbage", "Authorization", "Bearer abc.def", identity.ErrInvalidToken},
		{"bad guest", identity.GuestHeader, "player-1", identity.ErrInvalidGuestID},
		{"bare prefix", identity.GuestHeader, "guest_", identity.ErrInvalidGuestID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set(tc.header, tc.value)
			}
			if _, err := p.Resolve(r); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
