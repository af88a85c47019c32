package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

// Well known service identifiers used by media renderers.
const (
	ServiceIDAVTransport       = "urn:upnp-org:serviceId:AVTransport"
	ServiceIDConnectionManager = "urn:upnp-org:serviceId:ConnectionManager"
	ServiceIDRenderingControl  = "urn:upnp-org:serviceId:RenderingControl"

	DeviceTypeMediaRenderer = "urn:schemas-upnp-org:device:MediaRenderer:1"

	ServiceTypeAVTransport       = "urn:schemas-upnp-org:service:AVTransport:1"
	ServiceTypeConnectionManager = "urn:schemas-upnp-org:service:ConnectionManager:1"
	ServiceTypeRenderingControl  = "urn:schemas-upnp-org:service:RenderingControl:1"
)

// Arg is a single named SOAP argument. Order matters on the wire.
type Arg struct {
	Name  string
	Value string
}

// Invoker performs a SOAP action against a service control URL and returns
// every child element of the response.
type Invoker interface {
	Invoke(ctx context.Context, controlURL string, serviceType string, action string, args []Arg) (map[string]string, error)
}

// Device is a parsed UPnP root device description. It is not modified after
// the builder publishes it.
type Device struct {
	UDN          string
	DeviceType   string
	FriendlyName string
	Manufacturer string
	ModelName    string
	// Location is the description URL the device was built from.
	Location string
	BaseURL  string

	services []*Service
	byID     map[string]*Service
}

// Services returns the device services in document order.
func (d *Device) Services() []*Service {
	out := make([]*Service, len(d.services))
	copy(out, d.services)
	return out
}

// Service looks up a service by serviceId.
func (d *Device) Service(id string) (*Service, bool) {
	svc, ok := d.byID[id]
	return svc, ok
}

// HasService reports whether the device declares the serviceId.
func (d *Device) HasService(id string) bool {
	_, ok := d.byID[id]
	return ok
}

// ServiceIDs returns the serviceIds in document order.
func (d *Device) ServiceIDs() []string {
	ids := make([]string, 0, len(d.services))
	for _, svc := range d.services {
		ids = append(ids, svc.ServiceID)
	}
	return ids
}

func (d *Device) String() string {
	return fmt.Sprintf("%s [UDN=%s]", d.FriendlyName, d.UDN)
}

type deviceDocument struct {
	URLBase string        `xml:"URLBase"`
	Device  deviceElement `xml:"device"`
}

type deviceElement struct {
	DeviceType   string           `xml:"deviceType"`
	FriendlyName string           `xml:"friendlyName"`
	Manufacturer string           `xml:"manufacturer"`
	ModelName    string           `xml:"modelName"`
	UDN          string           `xml:"UDN"`
	Services     []serviceElement `xml:"serviceList>service"`
}

type serviceElement struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// ParseDevice parses a device description fetched from location. Relative
// service URLs are resolved against URLBase when present, otherwise against
// location.
func ParseDevice(data []byte, location string) (*Device, error) {
	var doc deviceDocument
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse device description: %w", err)
	}
	el := doc.Device
	mandatory := []struct {
		name  string
		value string
	}{
		{"deviceType", el.DeviceType},
		{"friendlyName", el.FriendlyName},
		{"manufacturer", el.Manufacturer},
		{"modelName", el.ModelName},
		{"UDN", el.UDN},
	}
	for _, field := range mandatory {
		if strings.TrimSpace(field.value) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, field.name)
		}
	}

	base := location
	if strings.TrimSpace(doc.URLBase) != "" {
		base = strings.TrimSpace(doc.URLBase)
	}
	dev := &Device{
		UDN:          strings.TrimSpace(el.UDN),
		DeviceType:   strings.TrimSpace(el.DeviceType),
		FriendlyName: strings.TrimSpace(el.FriendlyName),
		Manufacturer: strings.TrimSpace(el.Manufacturer),
		ModelName:    strings.TrimSpace(el.ModelName),
		Location:     location,
		BaseURL:      base,
		byID:         map[string]*Service{},
	}
	for _, s := range el.Services {
		id := strings.TrimSpace(s.ServiceID)
		if id == "" || strings.TrimSpace(s.ServiceType) == "" {
			return nil, fmt.Errorf("%w: service serviceId/serviceType", ErrMissingField)
		}
		if _, dup := dev.byID[id]; dup {
			continue
		}
		svc := &Service{
			ServiceType: strings.TrimSpace(s.ServiceType),
			ServiceID:   id,
			SCPDURL:     ResolveURL(base, s.SCPDURL),
			ControlURL:  ResolveURL(base, s.ControlURL),
			EventSubURL: ResolveURL(base, s.EventSubURL),
		}
		dev.services = append(dev.services, svc)
		dev.byID[id] = svc
	}
	return dev, nil
}

// ResolveURL resolves ref against baseURL. Absolute references are returned
// unchanged.
func ResolveURL(baseURL string, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if rel.IsAbs() {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}
