package relay

import (
	"github.com/a-essam23/acars-relay/pkg/pipeline"
	"github.com/a-essam23/acars-relay/pkg/store"
)

func (r *Relay) SendCPDLC(pctx *pipeline.Cargo) (pipeline.Result, error) {
	req := Request{
		Kind:         store.KindCPDLC,
		SenderUserID: pctx.UserID(),
		Recipient:    pctx.Frame.String("recipient"),
		Content:      pctx.Frame.String("message"),
		ResponseCode: pctx.Frame.String("responseCode"),
	}
	if id, ok := pctx.Frame.OptionalInt("replyToId"); ok {
		req.ReplyToID = &id
	}
	return r.handle(pctx, req)
}

func (r *Relay) SendTelex(pctx *pipeline.Cargo) (pipeline.Result, error) {
	return r.handle(pctx, Request{
		Kind:         store.KindTelex,
		SenderUserID: pctx.UserID(),
		Recipient:    pctx.Frame.String("recipient"),
		Content:      pctx.Frame.String("message"),
	})
}

func (r *Relay) handle(pctx *pipeline.Cargo, req Request) (pipeline.Result, error) {
	res, err := r.Send(pctx.Ctx, req)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{Message: msgSent, Data: res}, nil
}
