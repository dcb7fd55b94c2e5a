package browser

import (
	"browserd/internal/logging"
	"browserd/internal/netguard"
	"browserd/internal/pool"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// GuardSetup returns the default page setup: every request is checked
// against the guard and rejected requests fail as blocked-by-client.
func GuardSetup(guard *netguard.Guard) pool.PageSetup {
	return func(page *rod.Page) (*rod.HijackRouter, error) {
		router := page.HijackRequests()
		err := router.Add("*", "", func(h *rod.Hijack) {
			target := h.Request.URL().String()
			if err := guard.Check(h.Request.Req().Context(), target); err != nil {
				logging.Audit().PolicyBlock(target, err.Error())
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
			h.ContinueRequest(&proto.FetchContinueRequest{})
		})
		if err != nil {
			return nil, err
		}
		go router.Run()
		return router, nil
	}
}
