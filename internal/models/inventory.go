package models

// ControllerSpec is one entry of the controller inventory file.
type ControllerSpec struct {
	ID      string      `yaml:"id" json:"id"`
	Brand   string      `yaml:"brand" json:"brand"`
	Model   string      `yaml:"model" json:"model,omitempty"`
	IP      string      `yaml:"ip" json:"ip"`
	Port    int         `yaml:"port" json:"port"`
	Crosses []CrossSpec `yaml:"crosses" json:"crosses"`
}

type CrossSpec struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	LaneNos   []int    `yaml:"lane_nos" json:"laneNos,omitempty"`
	Longitude float64  `yaml:"longitude" json:"longitude,omitempty"`
	Latitude  float64  `yaml:"latitude" json:"latitude,omitempty"`
	Tags      []string `yaml:"tags" json:"tags,omitempty"`
}

// CrossIDs lists the ids of the crosses the controller drives.
func (c *ControllerSpec) CrossIDs() []string {
	ids := make([]string, 0, len(c.Crosses))
	for _, cross := range c.Crosses {
		ids = append(ids, cross.ID)
	}
	return ids
}
