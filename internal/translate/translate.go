// Package translate implements the Service Translator: the pure mapping
// from an R2 EntityCommand (entity type + command id + params) to an HA
// service call (domain, service, data), §1/§9. Spec names this an external
// collaborator given only by signature; this package ships a concrete,
// per-domain-dispatch implementation of it so the bridge has demonstrable
// behavior end to end, grounded on the original's
// client/service/media_player.rs dispatch-by-domain shape.
package translate

import (
	"strings"

	"github.com/tillwagner/r2ha-bridge/internal/bridgeerr"
	"github.com/tillwagner/r2ha-bridge/internal/model"
)

// Call is the HA-facing result of a translation: the service domain, the
// service name, and the optional service_data object.
type Call struct {
	Domain  string
	Service string
	Data    map[string]any
}

// Translate maps a command to an HA service call, or a classified error if
// the entity type or command id has no known mapping.
func Translate(cmd model.EntityCommand) (Call, error) {
	switch strings.ToLower(cmd.EntityType) {
	case "light":
		return translateLight(cmd)
	case "switch":
		return translateSwitch(cmd)
	case "cover":
		return translateCover(cmd)
	case "media_player":
		return translateMediaPlayer(cmd)
	default:
		return Call{}, bridgeerr.NotYetImplemented()
	}
}

func translateLight(cmd model.EntityCommand) (Call, error) {
	switch cmd.CmdID {
	case "on":
		data := map[string]any{}
		if b, ok := cmd.Params["brightness"]; ok {
			data["brightness"] = b
		}
		if c, ok := cmd.Params["color_temperature"]; ok {
			data["color_temp_kelvin"] = c
		}
		return Call{Domain: "light", Service: "turn_on", Data: data}, nil
	case "off":
		return Call{Domain: "light", Service: "turn_off"}, nil
	case "toggle":
		return Call{Domain: "light", Service: "toggle"}, nil
	default:
		return Call{}, bridgeerr.NotYetImplemented()
	}
}

func translateSwitch(cmd model.EntityCommand) (Call, error) {
	switch cmd.CmdID {
	case "on":
		return Call{Domain: "switch", Service: "turn_on"}, nil
	case "off":
		return Call{Domain: "switch", Service: "turn_off"}, nil
	case "toggle":
		return Call{Domain: "switch", Service: "toggle"}, nil
	default:
		return Call{}, bridgeerr.NotYetImplemented()
	}
}

func translateCover(cmd model.EntityCommand) (Call, error) {
	switch cmd.CmdID {
	case "open":
		return Call{Domain: "cover", Service: "open_cover"}, nil
	case "close":
		return Call{Domain: "cover", Service: "close_cover"}, nil
	case "stop":
		return Call{Domain: "cover", Service: "stop_cover"}, nil
	case "set_position":
		pos, ok := cmd.Params["position"]
		if !ok {
			return Call{}, bridgeerr.BadRequest("set_position requires a position param")
		}
		return Call{Domain: "cover", Service: "set_cover_position", Data: map[string]any{"position": pos}}, nil
	default:
		return Call{}, bridgeerr.NotYetImplemented()
	}
}

func translateMediaPlayer(cmd model.EntityCommand) (Call, error) {
	switch cmd.CmdID {
	case "on":
		return Call{Domain: "media_player", Service: "turn_on"}, nil
	case "off":
		return Call{Domain: "media_player", Service: "turn_off"}, nil
	case "toggle":
		return Call{Domain: "media_player", Service: "toggle"}, nil
	case "play_pause":
		return Call{Domain: "media_player", Service: "media_play_pause"}, nil
	case "next":
		return Call{Domain: "media_player", Service: "media_next_track"}, nil
	case "previous":
		return Call{Domain: "media_player", Service: "media_previous_track"}, nil
	case "mute_toggle":
		return Call{Domain: "media_player", Service: "volume_mute", Data: map[string]any{"is_volume_muted": true}}, nil
	case "volume":
		vol, ok := cmd.Params["volume"]
		if !ok {
			return Call{}, bridgeerr.BadRequest("volume command requires a volume param")
		}
		return Call{Domain: "media_player", Service: "volume_set", Data: map[string]any{"volume_level": vol}}, nil
	default:
		// Mirrors handle_media_player's unconditional NotYetImplemented for
		// the commands it does not recognize yet.
		return Call{}, bridgeerr.NotYetImplemented()
	}
}
