package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"
)

// Argument directions as declared in SCPD documents.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Service describes one service of a device. Actions are only available
// once Initialize has been given the service SCPD document.
type Service struct {
	ServiceType string
	ServiceID   string
	SCPDURL     string
	ControlURL  string
	EventSubURL string

	actions map[string]*Action
	order   []string
	invoker Invoker
}

// Argument is a formal action argument.
type Argument struct {
	Name                 string
	Direction            string
	RelatedStateVariable string
}

// Action is a callable SOAP action bound to its service.
type Action struct {
	Name      string
	Arguments []Argument

	service *Service
}

type scpdDocument struct {
	Actions []struct {
		Name      string `xml:"name"`
		Arguments []struct {
			Name      string `xml:"name"`
			Direction string `xml:"direction"`
			Related   string `xml:"relatedStateVariable"`
		} `xml:"argumentList>argument"`
	} `xml:"actionList>action"`
}

// Initialize parses the SCPD document and binds every action to invoker.
func (s *Service) Initialize(scpd []byte, invoker Invoker) error {
	var doc scpdDocument
	if err := xml.NewDecoder(bytes.NewReader(scpd)).Decode(&doc); err != nil {
		return fmt.Errorf("parse scpd %s: %w", s.ServiceID, err)
	}
	actions := make(map[string]*Action, len(doc.Actions))
	order := make([]string, 0, len(doc.Actions))
	for _, a := range doc.Actions {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return fmt.Errorf("parse scpd %s: %w: action name", s.ServiceID, ErrMissingField)
		}
		action := &Action{Name: name, service: s}
		for _, arg := range a.Arguments {
			dir := strings.ToLower(strings.TrimSpace(arg.Direction))
			if dir != DirectionIn && dir != DirectionOut {
				return fmt.Errorf("parse scpd %s: action %s argument %s: bad direction %q", s.ServiceID, name, arg.Name, arg.Direction)
			}
			action.Arguments = append(action.Arguments, Argument{
				Name:                 strings.TrimSpace(arg.Name),
				Direction:            dir,
				RelatedStateVariable: strings.TrimSpace(arg.Related),
			})
		}
		if _, dup := actions[name]; !dup {
			order = append(order, name)
		}
		actions[name] = action
	}
	s.actions = actions
	s.order = order
	s.invoker = invoker
	return nil
}

// Initialized reports whether Initialize has completed.
func (s *Service) Initialized() bool {
	return s.actions != nil
}

// Actions returns action names in SCPD order.
func (s *Service) Actions() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Action looks up an action by name.
func (s *Service) Action(name string) (*Action, error) {
	if s.actions == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, s.ServiceID)
	}
	action, ok := s.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s#%s", ErrUnknownAction, s.ServiceID, name)
	}
	return action, nil
}

// HasAction reports whether the service declares the named action.
func (s *Service) HasAction(name string) bool {
	_, ok := s.actions[name]
	return ok
}

// Call invokes the named action and waits for its output arguments.
func (s *Service) Call(ctx context.Context, name string, args map[string]string) (map[string]string, error) {
	action, err := s.Action(name)
	if err != nil {
		return nil, err
	}
	return action.Call(ctx, args)
}

// CallResult carries the outcome of an asynchronous call.
type CallResult struct {
	Out map[string]string
	Err error
}

// CallAsync invokes the named action in the background. The channel yields
// exactly one result.
func (s *Service) CallAsync(ctx context.Context, name string, args map[string]string) <-chan CallResult {
	ch := make(chan CallResult, 1)
	go func() {
		out, err := s.Call(ctx, name, args)
		ch <- CallResult{Out: out, Err: err}
	}()
	return ch
}

// InArgs returns the input arguments in declaration order.
func (a *Action) InArgs() []Argument {
	return a.filter(DirectionIn)
}

// OutArgs returns the output arguments in declaration order.
func (a *Action) OutArgs() []Argument {
	return a.filter(DirectionOut)
}

func (a *Action) filter(direction string) []Argument {
	var out []Argument
	for _, arg := range a.Arguments {
		if arg.Direction == direction {
			out = append(out, arg)
		}
	}
	return out
}

// Call serializes exactly the input arguments and returns exactly the output
// arguments. Outputs the device omitted are reported as empty strings.
func (a *Action) Call(ctx context.Context, args map[string]string) (map[string]string, error) {
	ins := a.InArgs()
	wire := make([]Arg, 0, len(ins))
	for _, arg := range ins {
		value, ok := args[arg.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s for %s", ErrMissingArgument, arg.Name, a.Name)
		}
		wire = append(wire, Arg{Name: arg.Name, Value: value})
	}
	if a.service.invoker == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, a.service.ServiceID)
	}
	resp, err := a.service.invoker.Invoke(ctx, a.service.ControlURL, a.service.ServiceType, a.Name, wire)
	if err != nil {
		return nil, err
	}
	outs := a.OutArgs()
	result := make(map[string]string, len(outs))
	for _, arg := range outs {
		result[arg.Name] = resp[arg.Name]
	}
	return result, nil
}
