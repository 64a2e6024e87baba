package scan

import sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"

// Reduce folds one input into a session and returns the next session.
// It is pure: the argument is never modified and no clock or I/O is touched.
//
// Rules:
//   - Inputs are ignored unless the session is Running.
//   - ProgressEvent overwrites progress and crawled URL as-is. The backend is
//     authoritative, so a lower value than the current one is applied too.
//   - ResultEvent stores the result once and forces progress to 100. It does not
//     end the session; StreamEnded does.
//   - Failures keep whatever progress and result had accumulated.
func Reduce(s Session, in Input) Session {
	if s.Status != StatusRunning {
		return s
	}

	switch in := in.(type) {
	case ProgressEvent:
		s.ProgressPercent = in.Progress
		s.LastCrawledURL = in.CrawledURL
	case ResultEvent:
		if s.Result != nil {
			return s
		}
		res := normalizeResult(in.Result)
		s.Result = &res
		s.ProgressPercent = 100
	case LineSkipped:
		s.ParseFailures++
	case StreamEnded:
		if s.Result != nil {
			s.Status = StatusCompleted
			return s
		}
		s = fail(s, ErrorKindNoResult, sharedErrors.ErrStreamEndedWithoutResult.Error())
	case TransportFailed:
		s = fail(s, ErrorKindTransport, in.Message)
	case HTTPFailed:
		s = fail(s, ErrorKindHTTP, in.Message)
		s.HTTPStatus = in.Status
	case DecodeFailed:
		s = fail(s, ErrorKindDecode, in.Message)
	case Cancelled:
		s = fail(s, ErrorKindCancelled, sharedErrors.ErrScanCancelled.Error())
	}
	return s
}

func fail(s Session, kind ErrorKind, msg string) Session {
	s.Status = StatusFailed
	s.ErrorKind = kind
	s.ErrorMessage = msg
	return s
}

// normalizeResult copies the slices so the stored result shares nothing with the caller
// and renders as [] rather than null.
func normalizeResult(r Result) Result {
	out := Result{
		BrokenLinks:   make([]BrokenLink, len(r.BrokenLinks)),
		SensitiveInfo: make([]SensitiveInfo, len(r.SensitiveInfo)),
	}
	copy(out.BrokenLinks, r.BrokenLinks)
	copy(out.SensitiveInfo, r.SensitiveInfo)
	return out
}
