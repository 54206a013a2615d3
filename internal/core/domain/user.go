package domain

type UserID string

// UserProfile is the display snapshot taken from the user directory when a
// participant entry is created or refreshed.
type UserProfile struct {
	ID          UserID `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
