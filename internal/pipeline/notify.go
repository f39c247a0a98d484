package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jcabraleslara/padron-importer/internal/msgraph"
)

// notify mails the run summary to the configured recipients, with the info
// report attached as CSV. Failures are logged and swallowed: the run's
// outcome never depends on the notification.
func (p *Pipeline) notify(ctx context.Context, result *Result) {
	if !p.cfg.Notify.Enabled || len(p.cfg.Notify.Recipients) == 0 {
		return
	}

	msg := &msgraph.OutgoingMail{
		To:       p.cfg.Notify.Recipients,
		Subject:  fmt.Sprintf("Importación de padrón %s", time.Now().In(p.cfg.Location()).Format("2006-01-02")),
		HTMLBody: summaryHTML(result),
		Attachments: []msgraph.OutgoingAttachment{{
			Name:        "resumen-importacion.csv",
			ContentType: "text/csv",
			Content:     []byte(result.InfoReport),
		}},
	}

	if err := p.graph.SendMail(ctx, msg); err != nil {
		p.logger.Warn("run notification failed", "error", err)
	}
}

func summaryHTML(r *Result) string {
	return fmt.Sprintf(`<html><body>
<h3>Resumen de importación del padrón</h3>
<table border="1" cellpadding="4">
<tr><td>Registros procesados</td><td>%d</td></tr>
<tr><td>Exitosos</td><td>%d</td></tr>
<tr><td>Errores</td><td>%d</td></tr>
<tr><td>Duplicados</td><td>%d</td></tr>
<tr><td>Duración</td><td>%s</td></tr>
</table>
<p>El detalle completo está en el archivo adjunto.</p>
</body></html>`, r.TotalProcessed, r.Success, r.Errors, r.Duplicates, r.Duration)
}
