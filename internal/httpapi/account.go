package httpapi

import (
	"net/http"
	"strings"
)

type credentialsRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.accounts.Register(r.Context(), req.Username, req.Password, req.Fingerprint); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Registration successful",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.accounts.Login(r.Context(), req.Username, req.Password, req.Fingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string `json:"challengeId"`
		Confirm     bool   `json:"confirm"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.accounts.VerifyDevice(r.Context(), req.ChallengeID, req.Confirm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddFingerprint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username       string `json:"username"`
		NewFingerprint string `json:"newFingerprint"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	count, err := s.accounts.AddFingerprint(r.Context(), req.Username, req.NewFingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"message":           "Fingerprint added successfully",
		"fingerprintsCount": count,
	})
}

func (s *Server) handleFingerprints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	fps, err := s.accounts.Fingerprints(r.Context(), req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	var current any
	if reg := fps.Registration(); reg != "" {
		current = reg
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"fingerprints":       fps,
		"currentFingerprint": current,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = ""
	}
	info, err := s.accounts.Session(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
