package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strconv"

	"scantool/internal/device"
	"scantool/internal/events"
	"scantool/internal/protocol"
	"scantool/internal/store"
)

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// httpStatus maps a scanner error onto an HTTP status.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidParams),
		errors.Is(err, protocol.ErrFirmwareFile),
		errors.Is(err, protocol.ErrFirmwareNotSuitable):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrDeviceNotExist),
		errors.Is(err, protocol.ErrDeviceAccessDenied):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrCommunication):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	} else {
		s.logger.Debug(op, "err", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: protocol.Code(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version, "sdk": device.Version})
}

type deviceResponse struct {
	Port      string         `json:"port"`
	Transport string         `json:"transport"`
	Open      bool           `json:"open"`
	Updating  bool           `json:"updating"`
	Inventory *store.Scanner `json:"inventory,omitempty"`
}

// deviceStatus snapshots the session and its inventory record.
func (s *Server) deviceStatus() deviceResponse {
	resp := deviceResponse{
		Port:      s.scanner.Port(),
		Transport: s.scanner.Kind().String(),
		Open:      s.scanner.IsOpen(),
		Updating:  s.updating.Load(),
	}
	if s.store != nil {
		if sc, err := s.store.GetScanner(resp.Port); err == nil {
			resp.Inventory = sc
		}
	}
	return resp
}

func (s *Server) handleAPIDevice(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deviceStatus())
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.scanner.CheckHealth(); err != nil {
		s.writeError(w, "health check", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func (s *Server) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.scanner.DeviceInformation()
	if err != nil {
		s.writeError(w, "device information", err)
		return
	}
	if s.store != nil {
		err := s.store.UpdateScanner(s.scanner.Port(), func(sc *store.Scanner) error {
			sc.Info = info
			return nil
		})
		if err != nil {
			s.logger.Warn("save scanner info", "err", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"info": info})
}

func (s *Server) handleAPIGetConfig(w http.ResponseWriter, r *http.Request) {
	cmd := r.PathValue("cmd")
	value, err := s.scanner.GetConfig(cmd)
	if err != nil {
		s.writeError(w, "get config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"command": cmd, "value": value})
}

type setConfigRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleAPISetConfig(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: protocol.CodeInvalidParams})
		return
	}
	if err := s.scanner.SetConfig(req.Command); err != nil {
		s.writeError(w, "set config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIConfigBatch(w http.ResponseWriter, r *http.Request) {
	var entries []device.ConfigEntry
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: protocol.CodeInvalidParams})
		return
	}
	if len(entries) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "entries must not be empty", Code: protocol.CodeInvalidParams})
		return
	}
	if err := s.scanner.UpdateConfig(entries); err != nil {
		s.writeError(w, "config batch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "entries": len(entries)})
}

func (s *Server) handleAPIAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	var err error
	switch action {
	case "scan":
		err = s.scanner.StartScan()
	case "stop":
		err = s.scanner.StopScan()
	case "restart":
		err = s.scanner.Restart()
	default:
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown action " + action, Code: protocol.CodeInvalidParams})
		return
	}
	if err != nil {
		s.writeError(w, action, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIImage returns the scanner's current capture as a grayscale PNG.
// With ?format=raw the bytes are returned as received.
func (s *Server) handleAPIImage(w http.ResponseWriter, r *http.Request) {
	width, height, err := s.scanner.ImageSize()
	if err != nil {
		s.writeError(w, "image size", err)
		return
	}
	pix, err := s.scanner.ImageBuffer(width*height, nil)
	if err != nil {
		s.writeError(w, "image buffer", err)
		return
	}
	w.Header().Set("X-Image-Width", strconv.Itoa(width))
	w.Header().Set("X-Image-Height", strconv.Itoa(height))

	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(pix); err != nil {
			s.logger.Debug("write image response", "err", err)
		}
		return
	}

	img := &image.Gray{Pix: pix, Stride: width, Rect: image.Rect(0, 0, width, height)}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		s.writeError(w, "encode image", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write image response", "err", err)
	}
}

// handleAPIFirmware starts a firmware update from the request body. The
// update runs in the background; progress and the outcome are published as
// events.
func (s *Server) handleAPIFirmware(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFirmware)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: fmt.Sprintf("firmware upload: %v", err),
			Code:  protocol.CodeFirmwareFile,
		})
		return
	}
	if !s.updating.CompareAndSwap(false, true) {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "update already running", Code: protocol.CodeDeviceAccessDenied})
		return
	}

	port := s.scanner.Port()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.updating.Store(false)
		err := s.scanner.UpdateFirmware(s.ctx, data, events.ProgressEmitter(s.bus))
		s.bus.Emit(events.Event{Type: events.TypeUpdateResult, Data: events.NewUpdateResult(port, err)})
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": store.StatusRunning, "bytes": len(data)})
}

func (s *Server) handleAPIListScanners(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []*store.Scanner{})
		return
	}
	scanners, err := s.store.ListScanners()
	if err != nil {
		s.writeError(w, "list scanners", err)
		return
	}
	s.writeJSON(w, http.StatusOK, scanners)
}

func (s *Server) handleAPIListUpdates(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit", Code: protocol.CodeInvalidParams})
			return
		}
		limit = n
	}
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []*store.UpdateRecord{})
		return
	}
	records, err := s.store.ListUpdates(limit)
	if err != nil {
		s.writeError(w, "list updates", err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAPIGetUpdate(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, "get update", store.ErrNotFound)
		return
	}
	rec, err := s.store.GetUpdate(r.PathValue("id"))
	if err != nil {
		s.writeError(w, "get update", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}
