package main

import (
	"encoding/json"
	"fmt"

	"github.com/cwsl/groundstation/internal/config"
	"github.com/cwsl/groundstation/internal/eventrouter"
	"github.com/cwsl/groundstation/internal/procman"
	"github.com/cwsl/groundstation/internal/scheduler"
	"github.com/cwsl/groundstation/internal/session"
	"github.com/cwsl/groundstation/internal/store"
	"github.com/cwsl/groundstation/internal/vfo"
)

// registerHandlers wires the data_request (reads) and data_submission
// (writes) command buses.
func registerHandlers(router *eventrouter.Router, cfg *config.Config, pm *procman.Manager, vfos *vfo.Manager, sessions *session.Manager, st store.Store, exec *scheduler.Executor) {
	deviceByID := make(map[string]config.SDRDeviceConfig, len(cfg.SDRs))
	for _, dev := range cfg.SDRs {
		deviceByID[dev.ID] = dev
	}

	// ---- data_request ----

	router.HandleRequest("sessions", func(sessionID string, _ json.RawMessage) (any, error) {
		var out []session.Snapshot
		for _, s := range sessions.ListUser() {
			out = append(out, s.Snapshot())
		}
		return out, nil
	})

	router.HandleRequest("runtime-snapshot", func(string, json.RawMessage) (any, error) {
		return pm.Snapshot(), nil
	})

	router.HandleRequest("system-info", func(string, json.RawMessage) (any, error) {
		return procman.CollectSystemInfo(), nil
	})

	router.HandleRequest("sdr-devices", func(string, json.RawMessage) (any, error) {
		return cfg.SDRs, nil
	})

	router.HandleRequest("scheduled-observations", func(string, json.RawMessage) (any, error) {
		return st.ListScheduledObservations()
	})

	router.HandleRequest("file-browser", func(string, json.RawMessage) (any, error) {
		return fileBrowserState(cfg)
	})

	router.HandleRequest("vfo", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			VFO uint8 `json:"vfo"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		state, ok := vfos.Get(sessionID, req.VFO)
		if !ok {
			return nil, fmt.Errorf("vfo %d not configured", req.VFO)
		}
		return state, nil
	})

	// ---- data_submission ----

	router.HandleSubmission("start-sdr", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID string `json:"sdr_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		dev, ok := deviceByID[req.SDRID]
		if !ok {
			return nil, fmt.Errorf("unknown sdr %q", req.SDRID)
		}
		if err := pm.StartSDR(deviceConfig(dev), sessionID); err != nil {
			return nil, err
		}
		if s, ok := sessions.Get(sessionID); ok {
			s.SetSDR(req.SDRID)
			s.Touch()
		}
		return nil, nil
	})

	router.HandleSubmission("stop-sdr", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID string `json:"sdr_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		pm.StopSDR(req.SDRID, sessionID)
		return nil, nil
	})

	router.HandleSubmission("start-demodulator", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID       string `json:"sdr_id"`
			VFO         uint8  `json:"vfo"`
			Modulation  string `json:"modulation"`
			FrequencyHz int64  `json:"frequency_hz"`
			BandwidthHz uint32 `json:"bandwidth_hz"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		if s, ok := sessions.Get(sessionID); ok {
			s.Touch()
			s.MarkMode(req.Modulation)
		}
		return nil, pm.StartDemodulator(req.SDRID, sessionID, req.VFO, vfo.Modulation(req.Modulation), req.FrequencyHz, req.BandwidthHz)
	})

	router.HandleSubmission("stop-demodulator", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID string `json:"sdr_id"`
			VFO   *uint8 `json:"vfo"` // omitted = all VFOs for the session
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		pm.StopDemodulator(req.SDRID, sessionID, req.VFO)
		return nil, nil
	})

	router.HandleSubmission("set-vfo", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID       string  `json:"sdr_id"`
			VFO         uint8   `json:"vfo"`
			FrequencyHz *int64  `json:"frequency_hz"`
			Volume      *uint8  `json:"volume"`
			Squelch     *int16  `json:"squelch"`
			Selected    *bool   `json:"selected"`
			Active      *bool   `json:"active"`
			Modulation  *string `json:"modulation"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		fields := vfo.Fields{
			Volume:   req.Volume,
			Squelch:  req.Squelch,
			Selected: req.Selected,
			Active:   req.Active,
		}
		if req.Modulation != nil {
			m := vfo.Modulation(*req.Modulation)
			fields.Modulation = &m
		}
		state := vfos.Set(sessionID, req.VFO, fields)
		if req.FrequencyHz != nil {
			if err := pm.RetuneVFO(req.SDRID, sessionID, req.VFO, *req.FrequencyHz); err != nil {
				return nil, err
			}
			state, _ = vfos.Get(sessionID, req.VFO)
		}
		if req.Selected != nil && *req.Selected {
			if s, ok := sessions.Get(sessionID); ok {
				s.SetSelectedVFO(req.VFO)
			}
		}
		return state, nil
	})

	router.HandleSubmission("start-recorder", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID string `json:"sdr_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return nil, pm.StartRecorder(req.SDRID, sessionID)
	})

	router.HandleSubmission("stop-recorder", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID string `json:"sdr_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		pm.StopRecorder(req.SDRID, sessionID)
		emitFileBrowserState(router, cfg, sessionID)
		return nil, nil
	})

	router.HandleSubmission("start-audio-recorder", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID string `json:"sdr_id"`
			VFO   uint8  `json:"vfo"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return nil, pm.StartAudioRecorder(req.SDRID, sessionID, req.VFO, 0, "")
	})

	router.HandleSubmission("stop-audio-recorder", func(sessionID string, data json.RawMessage) (any, error) {
		var req struct {
			SDRID string `json:"sdr_id"`
			VFO   uint8  `json:"vfo"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		pm.StopAudioRecorder(req.SDRID, sessionID, req.VFO)
		emitFileBrowserState(router, cfg, sessionID)
		return nil, nil
	})

	router.HandleSubmission("set-tracking-state", func(sessionID string, data json.RawMessage) (any, error) {
		var ts store.TrackingState
		if err := json.Unmarshal(data, &ts); err != nil {
			return nil, err
		}
		return nil, st.PutTrackingState(ts)
	})

	if exec != nil {
		router.HandleSubmission("cancel-observation", func(sessionID string, data json.RawMessage) (any, error) {
			var req struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return nil, exec.Cancel(req.ID)
		})
	}
}
