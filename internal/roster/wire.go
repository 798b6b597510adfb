package roster

import "github.com/danmuck/meshctl/internal/membership"

// ViewPayload mirrors membership.View for JSON transport.
type ViewPayload struct {
	Version      uint64             `json:"version"`
	Participants []string           `json:"participants"`
	Capacity     map[string]float64 `json:"capacity,omitempty"`
}

func payloadFromView(v membership.View) ViewPayload {
	p := ViewPayload{Version: v.Version, Participants: make([]string, len(v.Participants))}
	for i, id := range v.Participants {
		p.Participants[i] = string(id)
	}
	if len(v.Capacity) > 0 {
		p.Capacity = make(map[string]float64, len(v.Capacity))
		for id, c := range v.Capacity {
			p.Capacity[string(id)] = c
		}
	}
	return p
}

// View rebuilds the membership view the payload was derived from.
func (p ViewPayload) View() membership.View {
	ids := make([]membership.ParticipantID, len(p.Participants))
	for i, id := range p.Participants {
		ids[i] = membership.ParticipantID(id)
	}
	v := membership.NewView(p.Version, ids)
	if len(p.Capacity) > 0 {
		v.Capacity = make(map[membership.ParticipantID]float64, len(p.Capacity))
		for id, c := range p.Capacity {
			v.Capacity[membership.ParticipantID(id)] = c
		}
	}
	return v
}

type joinRequest struct {
	ID       string  `json:"id"`
	Capacity float64 `json:"capacity,omitempty"`
}

type leaveRequest struct {
	ID string `json:"id"`
}

type arriveRequest struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

type arrivedResponse struct {
	Key     string   `json:"key"`
	Arrived []string `json:"arrived"`
}
