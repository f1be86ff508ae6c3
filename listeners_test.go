package oort

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestListenerSetUnsubscribeDuringNotify(t *testing.T) {
	var set listenerSet[func()]
	var calls []string

	var removeFirst func()
	removeFirst = set.add(func() {
		calls = append(calls, "first")
		removeFirst()
	})
	set.add(func() { calls = append(calls, "second") })

	invoke := func(fn func()) { fn() }
	set.each(quietLogger(), "listener-set", invoke)
	set.each(quietLogger(), "listener-set", invoke)

	assert.Equal(t, []string{"first", "second", "second"}, calls)
	assert.Equal(t, 1, set.len())
}

func TestListenerSetRecoversPanics(t *testing.T) {
	var set listenerSet[func()]
	var reached bool
	set.add(func() { panic("first") })
	set.add(func() { panic("second") })
	set.add(func() { reached = true })

	assert.NotPanics(t, func() {
		set.each(quietLogger(), "listener-panics", func(fn func()) { fn() })
	})
	assert.True(t, reached)
	assert.Equal(t, 2.0, testutil.ToFloat64(listenerPanics.WithLabelValues("listener-panics")))
}
