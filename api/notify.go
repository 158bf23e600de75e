package api

import (
	"io"
	"net/http"

	"profitshare/domain"
)

type notifyReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleNotify accepts PROFITSHARING.SUCCESS / PROFITSHARING.CLOSED callbacks. A non-2xx
// reply makes the gateway redeliver, so only failures a retry can fix answer FAIL.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeJSON(w, http.StatusServiceUnavailable, notifyReply{Code: "FAIL", Message: "回调未配置"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, notifyReply{Code: "FAIL", Message: "读取回调报文失败"})
		return
	}
	n, err := s.notify.ParseNotification(r.Header, body)
	if err != nil {
		s.log.Warn("reject notification", "err", err)
		status := http.StatusUnauthorized
		if domain.IsKind(err, domain.KindInvalidArgument) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, notifyReply{Code: "FAIL", Message: "回调验签或解密失败"})
		return
	}

	o, err := s.svc.HandleNotification(r.Context(), n)
	switch {
	case err == nil:
		s.log.Info("notification applied", "notify_id", n.ID, "out_order_no", n.OutOrderNo, "state", o.State)
	case domain.IsKind(err, domain.KindInvalidStateTransition), domain.IsKind(err, domain.KindInvalidArgument):
		// Redelivery cannot change the outcome; acknowledge so the gateway stops.
		s.log.Warn("notification ignored", "notify_id", n.ID, "out_order_no", n.OutOrderNo, "err", err)
	default:
		// Unknown orders and storage errors are retried by the gateway.
		s.log.Error("notification failed", "notify_id", n.ID, "out_order_no", n.OutOrderNo, "err", err)
		writeJSON(w, statusFor(err), notifyReply{Code: "FAIL", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, notifyReply{Code: "SUCCESS", Message: "成功"})
}
