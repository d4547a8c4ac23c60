package notify

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tradecredit/creditdesk/internal/credit"
	"github.com/tradecredit/creditdesk/internal/shared"
)

// Message is one rendered notification for a recipient role.
type Message struct {
	Recipient  shared.Role
	ImporterID string
	Subject    string
	Body       string
}

// Renderer formats transition events for people.
type Renderer struct {
	printer *message.Printer
}

// NewRenderer builds a Renderer for tag. Amounts are grouped per locale.
func NewRenderer(tag language.Tag) *Renderer {
	return &Renderer{printer: message.NewPrinter(tag)}
}

// Render produces one message per recipient of evt.
func (r *Renderer) Render(evt credit.TransitionEvent) []Message {
	subject, body := r.describe(evt)
	out := make([]Message, 0, len(evt.Recipients))
	for _, role := range evt.Recipients {
		out = append(out, Message{
			Recipient:  role,
			ImporterID: evt.ImporterID,
			Subject:    subject,
			Body:       body,
		})
	}
	return out
}

func (r *Renderer) describe(evt credit.TransitionEvent) (string, string) {
	p := r.printer
	ref := shortRef(evt)
	if evt.To == credit.PhaseRejected {
		return p.Sprintf("Credit application %s rejected", ref),
			p.Sprintf("The application was rejected %s: %s", rejectionStage(evt.From), evt.Note)
	}
	switch evt.Action {
	case shared.ApprovalSubmit:
		return p.Sprintf("Credit application %s submitted", ref),
			p.Sprintf("Importer %s submitted a credit application awaiting pre-analysis.", evt.ImporterID)
	case shared.ApprovalPreAnalysis:
		if evt.To == credit.PhaseFinancialReview {
			return p.Sprintf("Credit application %s pre-approved", ref),
				p.Sprintf("The application passed pre-analysis and awaits the financial institution decision.")
		}
		return p.Sprintf("Credit application %s needs attention", ref),
			p.Sprintf("Pre-analysis requested more information: %s", evt.Note)
	case shared.ApprovalFinancialDecision:
		return p.Sprintf("Credit application %s approved by the financial institution", ref),
			p.Sprintf("An offer was made and awaits administrator finalization.")
	case shared.ApprovalFinalize:
		return p.Sprintf("Credit application %s finalized", ref),
			p.Sprintf("A credit limit of %d was granted to importer %s.", int64(evt.Granted), evt.ImporterID)
	}
	return p.Sprintf("Credit application %s updated", ref),
		p.Sprintf("The application moved to %s.", evt.To)
}

func rejectionStage(from credit.Phase) string {
	switch from {
	case credit.PhasePreAnalysis:
		return "at pre-analysis"
	case credit.PhaseFinancialReview:
		return "by the financial institution"
	case credit.PhaseAwaitingFinalization:
		return "at finalization"
	}
	return "in " + string(from)
}

func shortRef(evt credit.TransitionEvent) string {
	return evt.ApplicationID.String()[:8]
}
