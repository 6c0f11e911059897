package executor

import (
	"context"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/storage"
	"github.com/rhuss/composer/pkg/transport"
)

var _ transport.ChatInvoker = (*Driver)(nil)

// InvokeChat implements transport.ChatInvoker. The pipeline must belong to
// the tenant ctx is scoped to, if any.
func (d *Driver) InvokeChat(ctx context.Context, req *transport.ChatRequest, w transport.ChatWriter) error {
	tenantID, _ := storage.TenantID(ctx)

	emit := func(e api.InvocationEvent) {
		if err := w.WriteEvent(ctx, e); err != nil {
			d.logger.Debug("dropping invocation event", "type", e.Type, "error", err)
		}
	}
	res, err := d.invoke(ctx, tenantID, req.PipelineID, req.Message, api.NewInvocationID(), emit)
	if err != nil {
		return ToAPIError(err)
	}
	return w.WriteTurn(ctx, res.Turn)
}
