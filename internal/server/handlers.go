package server

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/state"
)

const maxEventsLimit = 500

func uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, name+" must be an unsigned integer")
		return 0, false
	}
	return v, true
}

func uintQuery(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Query(name), 10, 64)
	if err != nil {
		badRequest(c, name+" must be an unsigned integer")
		return 0, false
	}
	return v, true
}

func addressOf(c *gin.Context, raw, name string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		badRequest(c, name+" is not an address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func amountOf(c *gin.Context, raw, name string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return nil, false
	}
	return v, true
}

func (s *Server) platformHandler(c *gin.Context) {
	p, err := s.platform.Get(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": p,
		"owner":    s.diamond.Owner(),
		"chainId":  s.cfg.ChainID,
	})
}

func (s *Server) facetsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"facets": s.diamond.Facets(),
		"cuts":   s.diamond.History(),
	})
}

func (s *Server) tenantHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	info, err := s.catalog.Tenant(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) tiersHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	tiers, err := s.catalog.Tiers(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if tiers == nil {
		tiers = []*state.Tier{}
	}
	c.JSON(http.StatusOK, gin.H{"tenantId": id, "tiers": tiers})
}

func (s *Server) ownerTenantsHandler(c *gin.Context) {
	owner, ok := addressOf(c, c.Param("address"), "address")
	if !ok {
		return
	}
	ids, err := s.catalog.TenantsOf(c.Request.Context(), owner)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "tenants": ids})
}

func (s *Server) subscriptionHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	user, ok := addressOf(c, c.Param("user"), "user")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	st, err := s.subs.Status(ctx, id, user)
	if err != nil {
		abortWithError(c, err)
		return
	}
	sub, err := s.subs.Subscription(ctx, id, user)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenantId":  id,
		"user":      user,
		"tierId":    st.TierID,
		"active":    st.Active,
		"periodEnd": sub.PeriodEnd,
		"ceiling":   sub.Ceiling.String(),
		"nonce":     sub.Nonce,
	})
}

func (s *Server) quoteHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	user, ok := addressOf(c, c.Param("user"), "user")
	if !ok {
		return
	}
	tier, ok := uintQuery(c, "tier")
	if !ok {
		return
	}
	price, err := s.subs.ChangePrice(c.Request.Context(), id, user, tier)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenantId": id, "user": user, "tierId": tier, "price": price.String()})
}

func (s *Server) relayMessageHandler(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	tier, ok := uintQuery(c, "tier")
	if !ok {
		return
	}
	user, ok := addressOf(c, c.Query("user"), "user")
	if !ok {
		return
	}
	amount, ok := amountOf(c, c.Query("amount"), "amount")
	if !ok {
		return
	}
	hash, nonce, err := s.relay.GetMessage(c.Request.Context(), id, tier, user, amount)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": hash.Hex(), "nonce": nonce})
}

func (s *Server) eventsHandler(c *gin.Context) {
	f := events.Filter{Limit: 100, Account: c.Query("account")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxEventsLimit)
	}
	if c.Query("after") != "" {
		after, ok := uintQuery(c, "after")
		if !ok {
			return
		}
		f.After = after
	}
	if c.Query("tenant") != "" {
		tenant, ok := uintQuery(c, "tenant")
		if !ok {
			return
		}
		f.TenantID = tenant
	}
	if f.Account != "" {
		a, ok := addressOf(c, f.Account, "account")
		if !ok {
			return
		}
		f.Account = a.Hex()
	}
	c.JSON(http.StatusOK, gin.H{"events": s.events.Query(f), "lastSeq": s.events.LastSeq()})
}

type devFundRequest struct {
	Token  string `json:"token" binding:"required"`
	Owner  string `json:"owner" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) bindDevFund(c *gin.Context) (token, owner common.Address, amount *big.Int, ok bool) {
	var req devFundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if token, ok = addressOf(c, req.Token, "token"); !ok {
		return
	}
	if owner, ok = addressOf(c, req.Owner, "owner"); !ok {
		return
	}
	amount, ok = amountOf(c, req.Amount, "amount")
	return
}

func (s *Server) devMintHandler(c *gin.Context) {
	token, owner, amount, ok := s.bindDevFund(c)
	if !ok {
		return
	}
	t := s.bank.Deploy(token)
	t.Mint(owner, amount)
	bal, err := t.BalanceOf(c.Request.Context(), owner)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "owner": owner, "balance": bal.String()})
}

func (s *Server) devApproveHandler(c *gin.Context) {
	token, owner, amount, ok := s.bindDevFund(c)
	if !ok {
		return
	}
	t := s.bank.Deploy(token)
	t.Approve(owner, amount)
	c.JSON(http.StatusOK, gin.H{"token": token, "owner": owner, "allowance": amount.String()})
}
