package eligibility_test

import (
	"context"
	"testing"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityFollowsAuthorRole(t *testing.T) {
	f := newFixture(t)
	cases := map[generic.Actor]generic.Priority{
		alice:   generic.PriorityUser,
		manager: generic.PriorityManager,
		admin:   generic.PriorityAdmin,
		{ID: "root", Role: generic.RoleSuperAdmin}: generic.PriorityAdmin,
		generic.SystemActor:                        generic.PrioritySystem,
	}
	for actor, want := range cases {
		o := f.create(t, actor, forUser("alice", wednesday, generic.SelectLunch, eligibility.ForceOn))
		assert.Equal(t, want, o.Priority(), actor.String())
		assert.Equal(t, actor.Role, o.AuthorRole)
	}
}

func TestUsersMayOnlyToggleTheirOwnMeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, forUser("bob", wednesday, generic.SelectLunch, eligibility.ForceOff), alice)
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = f.service.Create(ctx, forEveryone(wednesday, generic.SelectLunch, eligibility.ForceOff), alice)
	assert.ErrorIs(t, err, generic.ErrForbidden)

	_, err = f.service.Create(ctx, forUser("alice", wednesday, generic.SelectLunch, eligibility.ForceOff), alice)
	assert.NoError(t, err)
}

func TestRevokeNeedsEqualOrHigherPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adminOverride := f.create(t, admin, forUser("alice", wednesday, generic.SelectLunch, eligibility.ForceOn))
	aliceOverride := f.create(t, alice, forUser("alice", thursday, generic.SelectLunch, eligibility.ForceOff))

	assert.ErrorIs(t, f.service.Revoke(ctx, adminOverride.ID, manager), generic.ErrForbidden)
	assert.ErrorIs(t, f.service.Revoke(ctx, adminOverride.ID, alice), generic.ErrForbidden)
	assert.ErrorIs(t, f.service.Revoke(ctx, aliceOverride.ID, bob), generic.ErrForbidden)

	assert.NoError(t, f.service.Revoke(ctx, aliceOverride.ID, alice))
	assert.NoError(t, f.service.Revoke(ctx, adminOverride.ID, admin))
	assert.ErrorIs(t, f.service.Revoke(ctx, "missing", admin), generic.ErrRuleNotFound)
}

func TestCreateRejectsInvalidOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

	cases := map[string]eligibility.NewOverride{
		"missing target": {Scope: eligibility.ScopeUser, Dates: onDay(wednesday), Meal: generic.SelectLunch, Action: eligibility.ForceOn},
		"target on global": {Scope: eligibility.ScopeGlobal, TargetUser: "alice", Dates: onDay(wednesday),
			Meal: generic.SelectLunch, Action: eligibility.ForceOn},
		"no dates":       {Scope: eligibility.ScopeAllUsers, Meal: generic.SelectLunch, Action: eligibility.ForceOn},
		"breakfast":      {Scope: eligibility.ScopeAllUsers, Dates: onDay(wednesday), Meal: "breakfast", Action: eligibility.ForceOn},
		"unknown action": {Scope: eligibility.ScopeAllUsers, Dates: onDay(wednesday), Meal: generic.SelectLunch, Action: "toggle"},
		"past expiry": {Scope: eligibility.ScopeAllUsers, Dates: onDay(wednesday), Meal: generic.SelectLunch,
			Action: eligibility.ForceOn, Expiry: &past},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.Create(ctx, req, manager)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}

	_, err := f.service.Create(ctx, forEveryone(wednesday, generic.SelectLunch, eligibility.ForceOn), generic.Actor{ID: "x", Role: "janitor"})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestListFiltersOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, alice, forUser("alice", wednesday, generic.SelectLunch, eligibility.ForceOff))
	f.create(t, bob, forUser("bob", wednesday, generic.SelectLunch, eligibility.ForceOff))
	everyone := f.create(t, manager, forEveryone(thursday, generic.SelectBoth, eligibility.ForceOff))
	require.NoError(t, f.service.Revoke(ctx, everyone.ID, manager))

	user := generic.UserID("alice")
	got, err := f.service.List(ctx, eligibility.Filter{UserID: &user})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = f.service.List(ctx, eligibility.Filter{UserID: &user, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	scope := eligibility.ScopeUser
	got, err = f.service.List(ctx, eligibility.Filter{Scope: &scope, Date: &wednesday})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
