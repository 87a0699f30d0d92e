package server

import (
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"github.com/mbd888/recurra/internal/dispatch"
	"github.com/mbd888/recurra/internal/sig"
)

// CallRequest is a signed call envelope. The caller personal-signs
// CallMessage over the other fields.
type CallRequest struct {
	Caller    string `json:"caller" binding:"required"`
	Data      string `json:"data" binding:"required"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// CallMessage is the text a caller signs for one envelope.
func CallMessage(chainID int64, caller common.Address, data []byte, value *big.Int, timestamp int64) []byte {
	if value == nil {
		value = new(big.Int)
	}
	return fmt.Appendf(nil, "recurra-call|%d|%s|%s|%s|%d",
		chainID, caller.Hex(), hexutil.Encode(data), value.String(), timestamp)
}

// replayCache remembers accepted envelopes until they could no longer pass
// the freshness check.
type replayCache struct {
	seen *cache.Cache
	ttl  time.Duration
}

func newReplayCache(skew time.Duration) *replayCache {
	ttl := 2 * skew
	return &replayCache{seen: cache.New(ttl, ttl), ttl: ttl}
}

// claim records key and reports false if it was already present.
func (r *replayCache) claim(key string) bool {
	return r.seen.Add(key, struct{}{}, r.ttl) == nil
}

func (s *Server) callHandler(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !common.IsHexAddress(req.Caller) {
		badRequest(c, "caller is not an address")
		return
	}
	caller := common.HexToAddress(req.Caller)
	data, err := hexutil.Decode(req.Data)
	if err != nil || len(data) < 4 {
		badRequest(c, "data must be 0x-prefixed calldata of at least 4 bytes")
		return
	}
	value := new(big.Int)
	if req.Value != "" {
		if _, ok := value.SetString(req.Value, 10); !ok || value.Sign() < 0 {
			badRequest(c, "value must be a non-negative integer")
			return
		}
	}
	signature, err := hexutil.Decode(req.Signature)
	if err != nil {
		badRequest(c, "signature must be 0x-prefixed hex")
		return
	}

	skew := time.Since(time.Unix(req.Timestamp, 0)).Abs()
	if skew > s.cfg.CallMaxSkew {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "stale_envelope",
			"message": fmt.Sprintf("timestamp is %s away from server time", skew.Truncate(time.Second)),
		})
		return
	}

	msg := CallMessage(s.cfg.ChainID, caller, data, value, req.Timestamp)
	if err := sig.Verify(msg, signature, caller); err != nil {
		abortWithError(c, err)
		return
	}
	if !s.replay.claim(sig.HashMessage(msg).Hex()) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":   "replayed_envelope",
			"message": "envelope already submitted",
		})
		return
	}

	out, err := s.diamond.Dispatch(c.Request.Context(), &dispatch.Call{Caller: caller, Value: value, Data: data})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": hexutil.Encode(out)})
}
