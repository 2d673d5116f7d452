package server

import (
	"net/http"
	"strings"
)

type createGroupRequest struct {
	Name string `json:"name"`
}

// POST /api/groups creates a group owned by the caller.
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	group, err := s.app.CreateGroup(userID, req.Name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

type inviteRequest struct {
	UserID string `json:"userId"`
}

// /api/groups/{id}/invites|join|leave|members.
func (s *Server) handleGroupByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/api/groups/")
	parts := strings.SplitN(path, "/", 2)
	groupID := parts[0]
	if groupID == "" || len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "invites":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req inviteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		invite, err := s.app.InviteToGroup(groupID, req.UserID, userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, invite)
	case "join":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		member, err := s.app.JoinGroup(groupID, userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, member)
	case "leave":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.app.LeaveGroup(groupID, userID); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
	case "members":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		members, err := s.app.ListGroupMembers(groupID, userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
	default:
		http.NotFound(w, r)
	}
}

// GET /api/invites lists pending invites addressed to the caller.
func (s *Server) handleInvites(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	invites, err := s.app.ListInvites(userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
}

// /api/invites/{id}/accept|decline|cancel.
func (s *Server) handleInviteByID(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/invites/")
	parts := strings.SplitN(path, "/", 2)
	inviteID := parts[0]
	if inviteID == "" || len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "accept":
		groupID, err := s.app.AcceptInvite(inviteID, userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"groupId": groupID})
	case "decline":
		if err := s.app.DeclineInvite(inviteID, userID); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
	case "cancel":
		if err := s.app.CancelInvite(inviteID, userID); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
	default:
		http.NotFound(w, r)
	}
}
