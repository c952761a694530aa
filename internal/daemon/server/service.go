package server

import (
	"context"

	"steward/pkg/sdk/bus"
	"steward/pkg/sdk/types"

	"google.golang.org/grpc"
)

// --- gRPC methods: thin adapters onto the manager ---

var serviceDesc = grpc.ServiceDesc{
	ServiceName: bus.ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(bus.ListMachines, (*Server).listMachines),
		unary(bus.MachineStatus, (*Server).machineStatus),
		unary(bus.CreateMachine, (*Server).createMachine),
		unary(bus.RegisterMachine, (*Server).registerMachine),
		unary(bus.StartMachine, (*Server).startMachine),
		unary(bus.TerminateMachine, (*Server).terminateMachine),
		unary(bus.KillMachine, (*Server).killMachine),
		unary(bus.SetMachineProperties, (*Server).setMachineProperties),
		unary(bus.ListUnits, (*Server).listUnits),
		unary(bus.UnitStatus, (*Server).unitStatus),
		unary(bus.RunUnit, (*Server).runUnit),
		unary(bus.StartUnit, (*Server).startUnit),
		unary(bus.StopUnit, (*Server).stopUnit),
		unary(bus.KillUnit, (*Server).killUnit),
		unary(bus.SetUnitProperties, (*Server).setUnitProperties),
		unary(bus.ListLinks, (*Server).listLinks),
		unary(bus.LinkStatus, (*Server).linkStatus),
		unary(bus.ReconfigureLink, (*Server).reconfigureLink),
		unary(bus.Lease, (*Server).lease),
		unary(bus.ReloadNetwork, (*Server).reloadNetwork),
	},
}

// unary adapts a typed method to a grpc.MethodDesc and maps its error.
func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	invoke := func(s *Server, ctx context.Context, in *Req) (any, error) {
		out, err := call(s, ctx, in)
		if err != nil {
			return nil, toGRPCError(err)
		}
		return out, nil
	}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return invoke(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: bus.FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return invoke(s, ctx, req.(*Req))
			})
		},
	}
}

func (s *Server) listMachines(ctx context.Context, _ *types.Empty) (*types.MachineList, error) {
	machines, err := s.manager.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	return &types.MachineList{Machines: machines}, nil
}

func (s *Server) machineStatus(ctx context.Context, req *types.NameRequest) (*types.MachineStatus, error) {
	st, err := s.manager.MachineStatus(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Server) createMachine(ctx context.Context, req *types.CreateMachineRequest) (*types.Machine, error) {
	m, err := s.manager.CreateMachine(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Server) registerMachine(ctx context.Context, req *types.CreateMachineRequest) (*types.Machine, error) {
	m, err := s.manager.RegisterMachine(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Server) startMachine(ctx context.Context, req *types.NameRequest) (*types.JobReply, error) {
	job, err := s.manager.StartMachine(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &types.JobReply{Job: job}, nil
}

func (s *Server) terminateMachine(ctx context.Context, req *types.NameRequest) (*types.Empty, error) {
	if err := s.manager.TerminateMachine(ctx, req.Name); err != nil {
		return nil, err
	}
	return &types.Empty{}, nil
}

func (s *Server) killMachine(ctx context.Context, req *types.KillRequest) (*types.Empty, error) {
	if err := s.manager.KillMachine(ctx, *req); err != nil {
		return nil, err
	}
	return &types.Empty{}, nil
}

func (s *Server) setMachineProperties(ctx context.Context, req *types.SetPropertiesRequest) (*types.Empty, error) {
	if err := s.manager.SetMachineProperties(ctx, *req); err != nil {
		return nil, err
	}
	return &types.Empty{}, nil
}

func (s *Server) listUnits(ctx context.Context, _ *types.Empty) (*types.UnitList, error) {
	units, err := s.manager.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	return &types.UnitList{Units: units}, nil
}

func (s *Server) unitStatus(ctx context.Context, req *types.NameRequest) (*types.UnitStatus, error) {
	st, err := s.manager.UnitStatus(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Server) runUnit(ctx context.Context, req *types.RunUnitRequest) (*types.JobReply, error) {
	job, err := s.manager.RunUnit(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &types.JobReply{Job: job}, nil
}

func (s *Server) startUnit(ctx context.Context, req *types.NameRequest) (*types.JobReply, error) {
	job, err := s.manager.StartUnit(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &types.JobReply{Job: job}, nil
}

func (s *Server) stopUnit(ctx context.Context, req *types.NameRequest) (*types.JobReply, error) {
	job, err := s.manager.StopUnit(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &types.JobReply{Job: job}, nil
}

func (s *Server) killUnit(ctx context.Context, req *types.KillRequest) (*types.Empty, error) {
	if err := s.manager.KillUnit(ctx, *req); err != nil {
		return nil, err
	}
	return &types.Empty{}, nil
}

func (s *Server) setUnitProperties(ctx context.Context, req *types.SetPropertiesRequest) (*types.Empty, error) {
	if err := s.manager.SetUnitProperties(ctx, *req); err != nil {
		return nil, err
	}
	return &types.Empty{}, nil
}

func (s *Server) listLinks(ctx context.Context, _ *types.Empty) (*types.LinkList, error) {
	links, err := s.manager.ListLinks(ctx)
	if err != nil {
		return nil, err
	}
	return &types.LinkList{Links: links}, nil
}

func (s *Server) linkStatus(ctx context.Context, req *types.NameRequest) (*types.LinkStatus, error) {
	st, err := s.manager.LinkStatus(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Server) reconfigureLink(ctx context.Context, req *types.NameRequest) (*types.Empty, error) {
	if err := s.manager.ReconfigureLink(ctx, req.Name); err != nil {
		return nil, err
	}
	return &types.Empty{}, nil
}

func (s *Server) lease(ctx context.Context, req *types.LeaseRequest) (*types.LeaseReply, error) {
	out, err := s.manager.Lease(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Server) reloadNetwork(ctx context.Context, _ *types.Empty) (*types.Empty, error) {
	if err := s.manager.ReloadNetwork(ctx); err != nil {
		return nil, err
	}
	return &types.Empty{}, nil
}
