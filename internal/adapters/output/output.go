// Package output renders CLI results as tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/airbridge/internal/upnp"
	"github.com/mikey-austin/airbridge/pkg/airbridge"
)

// Printer renders output.
type Printer interface {
	Print(v any) error
}

// New returns a JSON or table printer writing to w, or stdout when w is nil.
func New(w io.Writer, jsonOut bool) Printer {
	if w == nil {
		w = os.Stdout
	}
	if jsonOut {
		return JSONPrinter{W: w}
	}
	return HumanPrinter{W: w}
}

// HumanPrinter prints tables.
type HumanPrinter struct {
	W io.Writer
}

// Print renders devices and presence records as tables.
func (p HumanPrinter) Print(v any) error {
	switch data := v.(type) {
	case []*upnp.Device:
		rows := pterm.TableData{{"NAME", "MODEL", "UDN", "LOCATION"}}
		for _, dev := range data {
			rows = append(rows, []string{dev.FriendlyName, dev.Manufacturer + " " + dev.ModelName, dev.UDN, dev.Location})
		}
		return p.table(rows)
	case []airbridge.RendererPresence:
		rows := pterm.TableData{{"AIRPLAY NAME", "HOST", "PORT", "DEVICE ID", "UDN"}}
		for _, r := range data {
			rows = append(rows, []string{r.AirPlay.Name, r.AirPlay.Host, strconv.Itoa(r.AirPlay.Port), r.AirPlay.DeviceID, r.UDN})
		}
		return p.table(rows)
	default:
		_, err := fmt.Fprintln(p.W, v)
		return err
	}
}

func (p HumanPrinter) table(rows pterm.TableData) error {
	if len(rows) == 1 {
		_, err := fmt.Fprintln(p.W, "none found")
		return err
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.W, out)
	return err
}

// JSONPrinter prints indented JSON.
type JSONPrinter struct {
	W io.Writer
}

// Print renders v as JSON. Devices are reduced to their description fields.
func (p JSONPrinter) Print(v any) error {
	if devices, ok := v.([]*upnp.Device); ok {
		v = deviceViews(devices)
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.W, string(payload))
	return err
}

type deviceView struct {
	UDN          string   `json:"udn"`
	Name         string   `json:"name"`
	DeviceType   string   `json:"deviceType"`
	Manufacturer string   `json:"manufacturer"`
	ModelName    string   `json:"modelName"`
	Location     string   `json:"location"`
	Services     []string `json:"services"`
}

func deviceViews(devices []*upnp.Device) []deviceView {
	out := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		out = append(out, deviceView{
			UDN:          dev.UDN,
			Name:         dev.FriendlyName,
			DeviceType:   dev.DeviceType,
			Manufacturer: dev.Manufacturer,
			ModelName:    dev.ModelName,
			Location:     dev.Location,
			Services:     dev.ServiceIDs(),
		})
	}
	return out
}
