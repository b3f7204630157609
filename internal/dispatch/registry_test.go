package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	noop := func(context.Context, *sql.Tx, Event) error { return nil }

	assert.Equal(t, 0, r.Handlers(TopicOrdersCreate))
	r.Register(TopicOrdersCreate, "orders.create", noop)
	r.Register(TopicOrdersCreate, "orders.audit", noop)
	r.Register(TopicMailSupport, "mail.support", noop)

	assert.Equal(t, 2, r.Handlers(TopicOrdersCreate))
	assert.Equal(t, 1, r.Handlers(TopicMailSupport))
	assert.ElementsMatch(t, []string{TopicOrdersCreate, TopicMailSupport}, r.Topics())
}

func TestResultFirstErrorIsRegistrationOrdered(t *testing.T) {
	res := &Result{Handlers: 3, Failures: []Failure{
		{Handler: "alpha", Err: errors.New("first")},
		{Handler: "beta", Err: errors.New("second")},
	}}
	assert.False(t, res.OK())
	assert.EqualError(t, res.FirstError(), "alpha: first")

	ok := &Result{Handlers: 2}
	assert.True(t, ok.OK())
	assert.NoError(t, ok.FirstError())
}
