package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ClientName      string     `json:"client_name"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	BuilderID       string         `json:"builder_id"`
	Params          SessionParams  `json:"params"`
	Catalogs        CatalogDigests `json:"catalogs"`
}

type SessionParams struct {
	FrameRateHz        int     `json:"frame_rate_hz"`
	OverlapRadius      float64 `json:"overlap_radius"`
	SnapBias           float64 `json:"snap_bias"`
	MinConnectorLength float64 `json:"min_connector_length"`
	RaycastMaxDist     float64 `json:"raycast_max_dist"`
}

type CatalogDigests struct {
	ResourcePalette  DigestRef `json:"resource_palette"`
	IdentityPalette  DigestRef `json:"identity_palette"`
	PlaceablesDigest string    `json:"placeables_digest"`
	TuningDigest     string    `json:"tuning_digest,omitempty"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// FRAME (client -> server): one input snapshot. The session samples the
// latest frame received before each tick; stale versions are dropped.
type FrameMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	BuilderID       string     `json:"builder_id"`
	Input           InputState `json:"input"`
}

// InputState is the immutable per-frame input snapshot. Version is a
// monotonic counter; version 0 means "no input yet".
type InputState struct {
	Version uint64 `json:"version"`

	RayOrigin [3]float64 `json:"ray_origin"`
	RayDir    [3]float64 `json:"ray_dir"`
	CameraPos [3]float64 `json:"camera_pos"`

	ConfirmPressed bool `json:"confirm_pressed,omitempty"`
	CancelPressed  bool `json:"cancel_pressed,omitempty"`
	DeletePressed  bool `json:"delete_pressed,omitempty"`
	DeleteHeld     bool `json:"delete_held,omitempty"`
	CopyPressed    bool `json:"copy_pressed,omitempty"`

	ScrollDelta float64 `json:"scroll_delta,omitempty"`
	HotkeyIndex int     `json:"hotkey_index"` // -1 = none
	MenuOpen    bool    `json:"menu_open,omitempty"`
	OverUI      bool    `json:"over_ui,omitempty"`
}

// STATE (server -> client): the per-frame builder state plus events since
// the previous frame.
type StateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Frame           uint64 `json:"frame"`
	BuilderID       string `json:"builder_id"`

	Builder   BuilderObs      `json:"builder"`
	Ghost     *GhostObs       `json:"ghost,omitempty"`
	Resources []ResourceCount `json:"resources"`
	Events    []Event         `json:"events,omitempty"`

	StateDigest string `json:"state_digest,omitempty"`
}

type BuilderObs struct {
	State        string `json:"state"`
	SubState     string `json:"sub_state,omitempty"`
	Prefab       string `json:"prefab,omitempty"`
	ConfirmCount int    `json:"confirm_count,omitempty"`
	FocusID      uint32 `json:"focus_id,omitempty"`
}

type GhostObs struct {
	ID      uint32     `json:"id"`
	Prefab  string     `json:"prefab"`
	Pos     [3]float64 `json:"pos"`
	Snapped bool       `json:"snapped"`
	Blocked bool       `json:"blocked"`
}

type ResourceCount struct {
	Resource string `json:"resource"`
	Count    int    `json:"count"`
}

type Event map[string]interface{}
