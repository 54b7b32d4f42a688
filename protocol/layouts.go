// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "fmt"

// LayoutType names the display layout shapes the device can render.
type LayoutType string

const (
	LayoutTextWall       LayoutType = "text_wall"
	LayoutDoubleTextWall LayoutType = "double_text_wall"
	LayoutDashboardCard  LayoutType = "dashboard_card"
	LayoutReferenceCard  LayoutType = "reference_card"
	LayoutBitmapView     LayoutType = "bitmap_view"
)

// ViewType is the target surface for a display request.
type ViewType string

const (
	// ViewMain is the regular app content area.
	ViewMain ViewType = "main"
	// ViewDashboard is the dashboard surface, reserved for the
	// system dashboard app and exempt from arbitration.
	ViewDashboard ViewType = "dashboard"
	// ViewAlwaysOn is the persistent overlay surface.
	ViewAlwaysOn ViewType = "always_on"
)

// Layout is one renderable unit. A single struct with optional fields
// rather than a per-shape type hierarchy: the hub routes layouts, it
// never interprets them, so the flat form keeps arbitration free of
// layout-shape switches.
type Layout struct {
	LayoutType LayoutType `json:"layoutType"`

	// Text is the content for text_wall and reference_card.
	Text string `json:"text,omitempty"`

	// TopText and BottomText are the two lines of double_text_wall.
	TopText    string `json:"topText,omitempty"`
	BottomText string `json:"bottomText,omitempty"`

	// LeftText and RightText are the halves of dashboard_card.
	LeftText  string `json:"leftText,omitempty"`
	RightText string `json:"rightText,omitempty"`

	// Title is the heading of reference_card.
	Title string `json:"title,omitempty"`

	// Data is base64 image data for bitmap_view.
	Data string `json:"data,omitempty"`
}

// Validate checks that the layout type is known.
func (l Layout) Validate() error {
	switch l.LayoutType {
	case LayoutTextWall, LayoutDoubleTextWall, LayoutDashboardCard,
		LayoutReferenceCard, LayoutBitmapView:
		return nil
	default:
		return fmt.Errorf("protocol: unknown layout type %q", l.LayoutType)
	}
}

// AppType classifies an installed app for display arbitration.
type AppType string

const (
	// AppStandard apps own the main view when no background lock is
	// held.
	AppStandard AppType = "standard"
	// AppBackground apps may take the display temporarily through a
	// background lock.
	AppBackground AppType = "background"
	// AppSystemDashboard is the system dashboard; its display
	// requests bypass arbitration on the dashboard view.
	AppSystemDashboard AppType = "system_dashboard"
	// AppSystemAppStore is the system app store; arbitrated like a
	// standard app.
	AppSystemAppStore AppType = "system_appstore"
)

// ArbitratesAsStandard reports whether the app type competes for the
// main view under standard-app rules.
func (t AppType) ArbitratesAsStandard() bool {
	return t == AppStandard || t == AppSystemAppStore
}
