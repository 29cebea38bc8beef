package migerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToResponseResourceExhaustedSetsSplit(t *testing.T) {
	resp := ToResponse(&ResourceExhausted{NS: "db.coll", Bytes: 600 << 20, Limit: 500 << 20})
	assert.False(t, resp.OK)
	assert.True(t, resp.Split)
	assert.Contains(t, resp.Errmsg, "too much memory")
}

func TestToResponseNilIsOK(t *testing.T) {
	assert.Equal(t, Response{OK: true}, ToResponse(nil))
}

func TestPeerFailedUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &PeerFailed{RPC: "_recvChunkCommit", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestStaleConfigMessageCarriesBounds(t *testing.T) {
	err := &StaleConfig{NS: "db.coll", CurrMin: 0, CurrMax: 200, ReqMin: 0, ReqMax: 100}
	assert.Contains(t, err.Error(), "200")
	assert.Contains(t, err.Error(), "100")
}
