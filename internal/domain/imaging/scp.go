package imaging

import (
	"context"

	"github.com/ehr/imaging/internal/platform/dicomnet"
)

// HandleStore ingests one object received over C-STORE as its own unit. Any
// rejection is returned so the association answers ProcessingFailure; there
// is no partial success for a network store.
func (s *Service) HandleStore(ctx context.Context, req *dicomnet.StoreRequest) error {
	out := s.IngestOne(ctx, Upload{
		Filename: req.SOPInstanceUID + ".dcm",
		Data:     req.Part10(),
	})
	if out.Status == StatusRejected {
		return out.Err
	}
	if out.Identity.SOPInstanceUID != req.SOPInstanceUID {
		s.logger.Warn().
			Str("calling_ae", req.CallingAE).
			Str("command_sop_instance_uid", req.SOPInstanceUID).
			Str("sop_instance_uid", out.Identity.SOPInstanceUID).
			Msg("C-STORE command and data set disagree on SOP instance")
	}
	return nil
}

var _ dicomnet.StoreHandler = (*Service)(nil)
