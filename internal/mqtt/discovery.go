//go:build !no_mqtt

package mqtt

import (
	"fmt"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/scanner_ttyacm0/last_scan/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Device            haDevice `json:"device"`
}

// scannerIdentifier returns the unique identifier for HA device registry.
func scannerIdentifier(node string) string {
	return "scanner_" + node
}

// scannerDisplayName returns a display name for the scanner.
func scannerDisplayName(node, model string) string {
	if model != "" {
		return model + " " + node
	}
	return "Scanner " + node
}

// buildDiscovery generates HA discovery messages for a scanner: the last
// scan, connectivity, update progress and trigger/restart buttons.
func buildDiscovery(node, model, prefix string) []discoveryMsg {
	if node == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + node
	cmdTopic := stateTopic + "/set"
	nodeID := scannerIdentifier(node)
	displayName := scannerDisplayName(node, model)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       model,
		Name:        displayName,
	}

	return []discoveryMsg{
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"last_scan", "Last Scan", "", "mdi:barcode-scan",
			"{{ value_json.last_scan }}"),
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"plugged", "Connected", "connectivity",
			"{{ 'ON' if value_json.plugged else 'OFF' }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"update_phase", "Firmware Update", "", "mdi:update",
			"{{ value_json.update_phase | default('idle') }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"update_percent", "Firmware Update Progress", "%", "mdi:progress-upload",
			"{{ value_json.update_percent | default(0) }}"),
		buildButton(nodeID, displayName, cmdTopic, avail, haDev,
			"trigger", "Trigger", "", `{"action":"scan"}`),
		buildButton(nodeID, displayName, cmdTopic, avail, haDev,
			"restart", "Restart", "restart", `{"action":"restart"}`),
	}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, unit, icon, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		EntityCategory:    "diagnostic",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildButton(nodeID, displayName, cmdTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, press string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		DeviceClass:       deviceClass,
		PayloadPress:      press,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a scanner from HA.
func buildRemoveDiscovery(node string) []discoveryMsg {
	nodeID := scannerIdentifier(node)

	components := []struct{ comp, obj string }{
		{"sensor", "last_scan"},
		{"binary_sensor", "plugged"},
		{"sensor", "update_phase"},
		{"sensor", "update_percent"},
		{"button", "trigger"},
		{"button", "restart"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
