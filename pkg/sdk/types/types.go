// Package types holds the request and reply shapes exchanged between
// stewardd and its clients.
package types

import "time"

type Machine struct {
	Name              string    `json:"name"`
	ID                string    `json:"id"`
	Class             string    `json:"class"`
	Service           string    `json:"service,omitempty"`
	RootDirectory     string    `json:"root_directory,omitempty"`
	Leader            int       `json:"leader,omitempty"`
	Unit              string    `json:"unit,omitempty"`
	NetworkInterfaces []int     `json:"network_interfaces,omitempty"`
	State             string    `json:"state"`
	Timestamp         time.Time `json:"timestamp"`
}

type MachineStatus struct {
	Machine    Machine        `json:"machine"`
	Properties map[string]any `json:"properties,omitempty"`
	History    []Transition   `json:"history,omitempty"`
}

// CreateMachineRequest carries both create (new scope around Leader) and
// register (bind Unit, or watch Leader directly) calls.
type CreateMachineRequest struct {
	Name              string `json:"name"`
	ID                string `json:"id,omitempty"`
	Class             string `json:"class"`
	Service           string `json:"service,omitempty"`
	RootDirectory     string `json:"root_directory,omitempty"`
	Leader            int    `json:"leader,omitempty"`
	Unit              string `json:"unit,omitempty"`
	NetworkInterfaces []int  `json:"network_interfaces,omitempty"`
}

type KillRequest struct {
	Name   string `json:"name"`
	Who    string `json:"who,omitempty"`
	Signal string `json:"signal"`
}

type NameRequest struct {
	Name string `json:"name"`
}

type Unit struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Transient   bool      `json:"transient"`
	ActiveState string    `json:"active_state"`
	SubState    string    `json:"sub_state"`
	Result      string    `json:"result,omitempty"`
	MainPID     int       `json:"main_pid,omitempty"`
	Job         string    `json:"job,omitempty"`
	Description string    `json:"description,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}

type UnitStatus struct {
	Unit       Unit           `json:"unit"`
	Properties map[string]any `json:"properties,omitempty"`
	History    []Transition   `json:"history,omitempty"`
}

type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type RunUnitRequest struct {
	Name       string     `json:"name"`
	Properties []Property `json:"properties,omitempty"`
}

type SetPropertiesRequest struct {
	Name       string     `json:"name"`
	Properties []Property `json:"properties"`
}

type JobReply struct {
	Job uint64 `json:"job"`
}

type Link struct {
	Name         string `json:"name"`
	Index        int    `json:"index"`
	Kind         string `json:"kind,omitempty"`
	State        string `json:"state"`
	OperState    string `json:"oper_state,omitempty"`
	NetworkFile  string `json:"network_file,omitempty"`
	LeaseAddress string `json:"lease_address,omitempty"`
}

type LinkStatus struct {
	Link       Link           `json:"link"`
	Properties map[string]any `json:"properties,omitempty"`
	Addresses  []string       `json:"addresses,omitempty"`
	Routes     []string       `json:"routes,omitempty"`
	History    []Transition   `json:"history,omitempty"`
}

// LeaseRequest reports an acquired lease, or an expiry when Expire is set.
type LeaseRequest struct {
	Link       string        `json:"link"`
	Address    string        `json:"address,omitempty"`
	Gateway    string        `json:"gateway,omitempty"`
	Lifetime   time.Duration `json:"lifetime,omitempty"`
	Expire     bool          `json:"expire,omitempty"`
	Generation uint64        `json:"generation,omitempty"`
}

type LeaseReply struct {
	Generation uint64 `json:"generation"`
	Dropped    bool   `json:"dropped,omitempty"`
}

// Transition is one recorded lifecycle change.
type Transition struct {
	Kind string    `json:"kind"`
	Name string    `json:"name"`
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

type Empty struct{}

type MachineList struct {
	Machines []Machine `json:"machines"`
}

type UnitList struct {
	Units []Unit `json:"units"`
}

type LinkList struct {
	Links []Link `json:"links"`
}
