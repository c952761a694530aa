// Package bus defines the wire contract between stewardd and its clients:
// a single gRPC service whose messages are the JSON-encoded values of
// package types.
package bus

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const ServiceName = "steward.v1.Manager"

// Method names on ServiceName.
const (
	ListMachines         = "ListMachines"
	MachineStatus        = "MachineStatus"
	CreateMachine        = "CreateMachine"
	RegisterMachine      = "RegisterMachine"
	StartMachine         = "StartMachine"
	TerminateMachine     = "TerminateMachine"
	KillMachine          = "KillMachine"
	SetMachineProperties = "SetMachineProperties"

	ListUnits         = "ListUnits"
	UnitStatus        = "UnitStatus"
	RunUnit           = "RunUnit"
	StartUnit         = "StartUnit"
	StopUnit          = "StopUnit"
	KillUnit          = "KillUnit"
	SetUnitProperties = "SetUnitProperties"

	ListLinks       = "ListLinks"
	LinkStatus      = "LinkStatus"
	ReconfigureLink = "ReconfigureLink"
	Lease           = "Lease"
	ReloadNetwork   = "ReloadNetwork"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// Codec marshals messages as JSON.
type Codec struct{}

var _ encoding.Codec = Codec{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(Codec{})
}
