package subscriptions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusTrialing, StatusActive, true},
		{StatusTrialing, StatusPastDue, true},
		{StatusActive, StatusPastDue, true},
		{StatusActive, StatusCanceled, true},
		{StatusPastDue, StatusActive, true},
		{StatusPastDue, StatusUnpaid, true},
		{StatusIncomplete, StatusActive, true},
		{StatusActive, StatusActive, true},
		{StatusActive, StatusTrialing, false},
		{StatusPastDue, StatusTrialing, false},
		{StatusCanceled, StatusActive, false},
		{StatusUnpaid, StatusActive, false},
		{StatusUnpaid, StatusPastDue, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, StatusUnpaid.Terminal())
	assert.False(t, StatusPastDue.Terminal())
	assert.False(t, Status("bogus").Valid())
}

func TestInterval_Duration(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, IntervalMonth.Duration())
	assert.Equal(t, 365*24*time.Hour, IntervalYear.Duration())
	assert.Equal(t, int64(2592000), IntervalMonth.Seconds())
}

func TestSubscription_DueAt(t *testing.T) {
	sub := newTestSubscription("sub-1", StatusTrialing)
	sub.TrialEnd = Ptr(sub.CurrentPeriodEnd - 10)
	assert.Equal(t, sub.CurrentPeriodEnd-10, sub.DueAt())

	sub.Status = StatusActive
	assert.Equal(t, sub.CurrentPeriodEnd, sub.DueAt())
}

func TestSubscription_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Subscription)
	}{
		{"missing id", func(s *Subscription) { s.ID = "" }},
		{"missing organization", func(s *Subscription) { s.OrganizationID = "" }},
		{"unknown status", func(s *Subscription) { s.Status = "paused" }},
		{"unknown interval", func(s *Subscription) { s.Interval = "week" }},
		{"negative amount", func(s *Subscription) { s.Amount = -5 }},
		{"trial after period", func(s *Subscription) { s.TrialEnd = Ptr(s.CurrentPeriodEnd + 1) }},
		{"canceled without flag", func(s *Subscription) { s.CanceledAt = Ptr(int64(1)) }},
	}

	require.NoError(t, newTestSubscription("ok", StatusTrialing).Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := newTestSubscription("sub-1", StatusActive)
			tt.mutate(sub)
			assert.ErrorIs(t, sub.Validate(), ErrInvalid)
		})
	}
}

func TestUpdateFields_Apply(t *testing.T) {
	sub := newTestSubscription("sub-1", StatusActive)
	sub.Version = 4

	newEnd := sub.CurrentPeriodEnd + IntervalMonth.Seconds()
	err := UpdateFields{
		CurrentPeriodStart: Ptr(sub.CurrentPeriodEnd),
		CurrentPeriodEnd:   Ptr(newEnd),
		GatewayRef:         Ptr("bf-aa-1"),
		CanceledAt:         Ptr(testNow.Unix()),
	}.Apply(sub, testNow)
	require.NoError(t, err)

	assert.Equal(t, newEnd, sub.CurrentPeriodEnd)
	assert.Equal(t, "bf-aa-1", sub.GatewayRef)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, int64(5), sub.Version)
	assert.Equal(t, FormatTimestamp(testNow), sub.UpdatedAt)

	err = UpdateFields{Status: Ptr(StatusTrialing)}.Apply(sub, testNow)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(5), sub.Version)
}

func TestSubscription_Clone(t *testing.T) {
	sub := newTestSubscription("sub-1", StatusTrialing)
	c := sub.Clone()
	*c.TrialEnd = 0
	assert.NotEqual(t, int64(0), *sub.TrialEnd)

	var nilSub *Subscription
	assert.Nil(t, nilSub.Clone())
}
