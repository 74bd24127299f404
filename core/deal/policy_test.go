package deal

import (
	"errors"
	"fmt"
	"testing"
)

func testDeal() Deal {
	return Deal{
		ID:             "d1",
		InitiatorID:    "biz",
		CounterpartyID: "creator",
		CreatorID:      "creator",
		Stage:          StageContentSubmitted,
	}
}

func TestAuthorizeRoles(t *testing.T) {
	d := testDeal()
	creator := Actor{ID: "creator", Role: RoleCreator}
	business := Actor{ID: "biz", Role: RoleBusiness}
	stranger := Actor{ID: "someone", Role: RoleCreator}
	admin := Actor{ID: "root", Role: RoleAdmin}

	cases := []struct {
		action Action
		actor  Actor
		want   error
	}{
		{ActionSubmitContent, creator, nil},
		{ActionSubmitContent, business, ErrForbidden},
		{ActionApprove, business, nil},
		{ActionApprove, creator, ErrForbidden},
		{ActionReject, business, nil},
		{ActionReject, creator, ErrForbidden},
		{ActionProposeTerms, creator, nil},
		{ActionProposeTerms, business, nil},
		{ActionProposeTerms, stranger, ErrForbidden},
		{ActionRespond, creator, nil},
		{ActionRespond, business, ErrForbidden},
		{ActionView, stranger, ErrForbidden},
		{ActionView, admin, nil},
		{ActionReleasePayment, business, ErrForbidden},
		{ActionReleasePayment, SystemActor, nil},
		{ActionSendMessage, admin, ErrForbidden},
		{ActionDecline, Actor{}, ErrUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.action, tc.actor.ID), func(t *testing.T) {
			err := Authorize(tc.action, tc.actor, d)
			if tc.want == nil && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestReviewerIsTheNonCreatorParty(t *testing.T) {
	d := testDeal()
	if d.ReviewerID() != "biz" {
		t.Fatalf("expected biz to review, got %s", d.ReviewerID())
	}
	d.InitiatorID, d.CounterpartyID = "creator", "biz"
	if d.ReviewerID() != "biz" {
		t.Fatalf("reviewer must not depend on who initiated, got %s", d.ReviewerID())
	}
}

func TestKindOfUnwraps(t *testing.T) {
	err := fmt.Errorf("approve: %w", ErrForbidden)
	if KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden, got %s", KindOf(err))
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("unknown errors must be internal")
	}
	if KindOf(nil) != KindInternal {
		t.Fatalf("nil maps to internal by convention")
	}
}
