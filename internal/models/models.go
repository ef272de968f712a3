package models

import "time"

// Status is the publish lifecycle state of a scheduled post. The backend owns it.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every defined status in lifecycle order.
var Statuses = []Status{
	StatusScheduled,
	StatusPublishing,
	StatusPublished,
	StatusPartial,
	StatusFailed,
	StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type AspectRatio string

const (
	AspectPortrait  AspectRatio = "portrait"
	AspectLandscape AspectRatio = "landscape"
)

type PlatformTarget struct {
	Platform    string  `json:"platform"`
	AccountName *string `json:"accountName,omitempty"`
}

type UploadResult struct {
	Platform string  `json:"platform"`
	Success  bool    `json:"success"`
	PostID   *string `json:"postId,omitempty"`
	URL      *string `json:"url,omitempty"`
	Error    *string `json:"error,omitempty"`
}

type ScheduledPost struct {
	ScheduleID    string           `json:"scheduleId"`
	UserID        string           `json:"userId,omitempty"`
	VideoID       string           `json:"videoId"`
	ScheduledTime time.Time        `json:"scheduledTime"`
	Status        Status           `json:"status"`
	Platforms     []PlatformTarget `json:"platforms"`
	Title         string           `json:"title"`
	Hook          *string          `json:"hook,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
	VideoFooter   *string          `json:"videoFooter,omitempty"`
	ThumbnailURL  *string          `json:"thumbnailUrl,omitempty"`
	AspectRatio   *AspectRatio     `json:"aspectRatio,omitempty"`
	UploadResults []UploadResult   `json:"uploadResults,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// SchedulingLimits backs the informational "used / limit" badge. Limit -1 means unlimited.
type SchedulingLimits struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

type ScheduledPostsResponse struct {
	Posts            []ScheduledPost  `json:"posts"`
	SchedulingLimits SchedulingLimits `json:"schedulingLimits"`
}
