package gateway

import (
	"github.com/luminet/guigate/fabric"
)

// registerPotentialProjectManager records a newly discovered project
// manager and hooks its update signal.
func (s *Server) registerPotentialProjectManager(inst fabric.InstanceInfo) {
	classID, _ := getString(inst.Info, "classId")
	if classID != "ProjectManager" {
		return
	}

	if err := s.fab.Subscribe(inst.ID, "signalProjectUpdate", func(args fabric.Hash) {
		s.broadcast(fabric.Hash{
			"type": msgTypeProjectUpdate,
			"info": args,
		}, laneLossless)
	}); err != nil {
		s.log.Warnw("Could not subscribe to project manager",
			"project_manager", inst.ID,
			"error", err,
		)
		return
	}

	s.projectMgrsMu.Lock()
	s.projectMgrs[inst.ID] = struct{}{}
	s.projectMgrsMu.Unlock()
}

// knownProjectManagers returns the currently registered managers.
func (s *Server) knownProjectManagers() []string {
	s.projectMgrsMu.RLock()
	defer s.projectMgrsMu.RUnlock()
	managers := make([]string, 0, len(s.projectMgrs))
	for id := range s.projectMgrs {
		managers = append(managers, id)
	}
	return managers
}

// checkProjectManagerID refuses project operations against unknown
// managers with a typed failure reply.
func (s *Server) checkProjectManagerID(c *Client, projectManager, replyType, reason string) bool {
	s.projectMgrsMu.RLock()
	_, known := s.projectMgrs[projectManager]
	s.projectMgrsMu.RUnlock()
	if known {
		return true
	}
	c.send(fabric.Hash{
		"type":  replyType,
		"reply": fabric.Hash{"success": false, "reason": reason},
	}, laneLossless)
	return false
}

// forwardProjectReply wraps a project manager reply for the client.
func (s *Server) forwardProjectReply(c *Client, replyType string) func(fabric.Hash) {
	return func(reply fabric.Hash) {
		c.send(fabric.Hash{
			"type":  replyType,
			"reply": reply,
		}, laneLossless)
	}
}

// forwardProjectFailure surfaces a project manager failure as a typed
// reply.
func (s *Server) forwardProjectFailure(c *Client, replyType string) func(error) {
	return func(err error) {
		c.send(fabric.Hash{
			"type":  replyType,
			"reply": fabric.Hash{"success": false, "reason": err.Error()},
		}, laneLossless)
	}
}

// projectRequest bridges one project operation to its manager slot.
func (s *Server) projectRequest(c *Client, msg fabric.Hash, replyType, slot, missingReason string, argKeys ...string) {
	projectManager, ok := getString(msg, "projectManager")
	if !ok {
		c.send(notification(replyType+" lacks projectManager"), laneLossless)
		return
	}
	if !s.checkProjectManagerID(c, projectManager, replyType, missingReason) {
		return
	}

	args := fabric.Hash{}
	for _, key := range argKeys {
		args[key] = msg[key]
	}

	s.fab.Request(projectManager, slot, args).Receive(
		s.forwardProjectReply(c, replyType),
		s.forwardProjectFailure(c, replyType),
	)
}

func (s *Server) onProjectBeginUserSession(c *Client, msg fabric.Hash) {
	s.projectRequest(c, msg, msgTypeProjectBeginUserSession, "slotBeginUserSession",
		"Project manager does not exist: Begin User Session failed.", "token")
}

func (s *Server) onProjectEndUserSession(c *Client, msg fabric.Hash) {
	s.projectRequest(c, msg, msgTypeProjectEndUserSession, "slotEndUserSession",
		"Project manager does not exist: End User Session failed.", "token")
}

func (s *Server) onProjectSaveItems(c *Client, msg fabric.Hash) {
	s.projectRequest(c, msg, msgTypeProjectSaveItems, "slotSaveItems",
		"Project manager does not exist: Project items cannot be saved.", "token", "items", "client")
}

func (s *Server) onProjectLoadItems(c *Client, msg fabric.Hash) {
	s.projectRequest(c, msg, msgTypeProjectLoadItems, "slotLoadItems",
		"Project manager does not exist: Project items cannot be loaded.", "token", "items")
}

func (s *Server) onProjectListProjectManagers(c *Client, _ fabric.Hash) {
	c.send(fabric.Hash{
		"type":  msgTypeProjectListManagers,
		"reply": s.knownProjectManagers(),
	}, laneLossless)
}

func (s *Server) onProjectListItems(c *Client, msg fabric.Hash) {
	s.projectRequest(c, msg, msgTypeProjectListItems, "slotListItems",
		"Project manager does not exist: Project list cannot be retrieved.", "token", "domain", "item_types")
}

func (s *Server) onProjectListDomains(c *Client, msg fabric.Hash) {
	s.projectRequest(c, msg, msgTypeProjectListDomains, "slotListDomains",
		"Project manager does not exist: Domain list cannot be retrieved.", "token")
}

func (s *Server) onProjectUpdateAttribute(c *Client, msg fabric.Hash) {
	s.projectRequest(c, msg, msgTypeProjectUpdateAttribute, "slotUpdateAttribute",
		"Project manager does not exist: Cannot update project attribute (trash).", "token", "items")
}
