// Package access holds the two rules by which allowed and channels
// leave the engine. Both functions are pure and idempotent; every read
// path must pass through them.
package access

import (
	"github.com/graffiti-garden/graffiti-go"
)

// Visible reports whether the viewer may observe the object at all.
// An absent allowed list means public; otherwise only the owner and
// listed actors qualify.
func Visible(obj *graffiti.Object, viewer *graffiti.Session) bool {
	if obj.Allowed == nil {
		return true
	}
	if viewer == nil {
		return false
	}
	if viewer.Actor == obj.Actor {
		return true
	}
	for _, actor := range *obj.Allowed {
		if actor == viewer.Actor {
			return true
		}
	}
	return false
}

// Mask rewrites allowed and channels before the object leaves the
// engine. Owners see their objects unchanged. Non-owners see allowed
// collapsed to themselves (or cleared when anonymous) and channels
// restricted to the ones they queried; point reads query no channels,
// so non-owners observe none.
func Mask(obj *graffiti.Object, queriedChannels []string, viewer *graffiti.Session) *graffiti.Object {
	if viewer != nil && viewer.Actor == obj.Actor {
		return obj
	}

	masked := *obj

	if obj.Allowed != nil {
		if viewer == nil {
			masked.Allowed = &[]string{}
		} else {
			masked.Allowed = &[]string{viewer.Actor}
		}
	}

	queried := make(map[string]bool, len(queriedChannels))
	for _, c := range queriedChannels {
		queried[c] = true
	}
	channels := make([]string, 0, len(obj.Channels))
	for _, c := range obj.Channels {
		if queried[c] {
			channels = append(channels, c)
		}
	}
	masked.Channels = channels

	return &masked
}
