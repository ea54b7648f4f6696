package models

// Peer is one entry of the communicator's rank table
type Peer struct {
	Rank       int    `json:"rank"`
	WorkerID   string `json:"worker_id"`
	P2PAddress string `json:"p2p_address"`
}

// CommsInit asks a worker to join a communicator session
type CommsInit struct {
	SessionID  string `json:"session_id"`
	Rank       int    `json:"rank"`
	PeerToPeer bool   `json:"peer_to_peer"`
	Peers      []Peer `json:"peers"`
}

// CommsInitResult reports what a worker established
type CommsInitResult struct {
	SessionID string `json:"session_id"`
	Rank      int    `json:"rank"`
	Channels  int    `json:"channels"`
}

// CommsDestroy asks a worker to leave a session
type CommsDestroy struct {
	SessionID string `json:"session_id"`
}

// CommsStatus is the output of TaskCommsStatus
type CommsStatus struct {
	SessionID  string `json:"session_id,omitempty"`
	Rank       int    `json:"rank"`
	PeerToPeer bool   `json:"peer_to_peer"`
	Channels   int    `json:"channels"`
}

// CommsConnect asks a worker to dial its higher-ranked peers
type CommsConnect struct {
	SessionID string `json:"session_id"`
}
