package diag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordRoundTripsThroughContext(t *testing.T) {
	rec := New()
	rec.SetName("worker-1")
	rec.SetInstanceNum(7)

	ctx := WithRecord(context.Background(), rec)
	got := FromContext(ctx)

	assert.Equal(t, "worker-1", got.Name())
	assert.Equal(t, uint64(7), got.InstanceNum())
}

func TestFromContextWithoutRecordReturnsNil(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}

func TestNilRecordMethodsAreNoOps(t *testing.T) {
	var rec *Record
	assert.NotPanics(t, func() {
		rec.SetName("x")
		rec.SetInstanceNum(1)
		rec.SetError(errors.New("boom"))
	})
	assert.Equal(t, "", rec.Name())
	assert.Nil(t, rec.Error())
}

func TestResolveErrorPrefersOverride(t *testing.T) {
	rec := New()
	override := errors.New("backend override")
	rec.SetError(override)

	got := ResolveError(rec, errors.New("op error"), true, errors.New("eio"))
	assert.Equal(t, override, got)
}

func TestResolveErrorFallsBackToOpErrWhenPreserved(t *testing.T) {
	opErr := errors.New("op error")
	got := ResolveError(nil, opErr, true, errors.New("eio"))
	assert.Equal(t, opErr, got)
}

func TestResolveErrorFallsBackToEIO(t *testing.T) {
	eio := errors.New("eio")
	got := ResolveError(nil, errors.New("op error"), false, eio)
	assert.Equal(t, eio, got)
}

func TestThreadCounter(t *testing.T) {
	var c ThreadCounter
	assert.Equal(t, int64(0), c.Running())
	c.Incr()
	c.Incr()
	assert.Equal(t, int64(2), c.Running())
	c.Decr()
	assert.Equal(t, int64(1), c.Running())
}
