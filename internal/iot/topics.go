package iot

import (
	"fmt"
	"strings"
)

// Action names one request/response exchange with the cloud.
type Action string

const (
	ActionVisitorRegistration Action = "visitor_registration"
	ActionVideoMessage        Action = "video_message"
	ActionPermissionsCheck    Action = "permissions_check"
	ActionPackageCheck        Action = "package_check"
	ActionPackageStatusUpdate Action = "package_status_update"
	ActionLogSubmission       Action = "log_submission"
	ActionNFCVerify           Action = "nfc_verify"
)

// Route holds the request topic of an action and, unless the action is
// fire-and-forget, the topic its answer arrives on.
type Route struct {
	Request  string
	Response string
}

var suffixes = map[Action][2]string{
	ActionVisitorRegistration: {"registrations/request-upload-url", "registrations/upload-url-response"},
	ActionVideoMessage:        {"messages/request-upload-url", "messages/upload-url-response"},
	ActionPermissionsCheck:    {"permissions/request", "permissions/response"},
	ActionPackageCheck:        {"packages/request", "packages/response"},
	ActionPackageStatusUpdate: {"packages/status-update/request", "packages/status-update/response"},
	ActionLogSubmission:       {"logs/submit", ""},
	ActionNFCVerify:           {"nfc/verify-tag/request", "nfc/verify-tag/response"},
}

// Prefix is the topic namespace of one device.
func Prefix(sbcID string) string {
	return fmt.Sprintf("neobell/sbc/%s/", sbcID)
}

// Routes builds the topic map of a device.
func Routes(sbcID string) map[Action]Route {
	prefix := Prefix(sbcID)
	routes := make(map[Action]Route, len(suffixes))
	for action, s := range suffixes {
		r := Route{Request: prefix + s[0]}
		if s[1] != "" {
			r.Response = prefix + s[1]
		}
		routes[action] = r
	}
	return routes
}

// ResponseTopics lists every topic the device must subscribe to.
func ResponseTopics(routes map[Action]Route) []string {
	var topics []string
	for _, r := range routes {
		if r.Response != "" {
			topics = append(topics, r.Response)
		}
	}
	return topics
}

// ParseRequest splits a request topic into the device id and the action it
// asks for.
func ParseRequest(topic string) (sbcID string, action Action, ok bool) {
	rest, found := strings.CutPrefix(topic, "neobell/sbc/")
	if !found {
		return "", "", false
	}
	sbcID, suffix, found := strings.Cut(rest, "/")
	if !found || sbcID == "" {
		return "", "", false
	}
	for a, s := range suffixes {
		if s[0] == suffix {
			return sbcID, a, true
		}
	}
	return "", "", false
}
