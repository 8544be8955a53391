package models

import "time"

// ChangeNotice is the serialized form of one configuration change, relayed
// between server instances that share a project store.
type ChangeNotice struct {
	ID             string    `json:"id"`
	Origin         string    `json:"origin"` // instance id of the publisher
	Project        *Project  `json:"project"`
	RemovedClients []string  `json:"removed_clients,omitempty"`
	ProjectRemoved bool      `json:"project_removed,omitempty"`
	Time           time.Time `json:"time"`
}
