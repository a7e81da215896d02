package training

import "fmt"

// SubModel identifies one of the five independently optimized parts of
// the network.
type SubModel int

const (
	MainEncoder SubModel = iota
	AuxEncoder
	MainHead
	AuxHead
	ClassifierModel
)

// AllSubModels lists every sub-model in stepping order.
var AllSubModels = []SubModel{MainEncoder, AuxEncoder, MainHead, AuxHead, ClassifierModel}

func (s SubModel) String() string {
	switch s {
	case MainEncoder:
		return "mainEncoder"
	case AuxEncoder:
		return "auxEncoder"
	case MainHead:
		return "mainHead"
	case AuxHead:
		return "auxHead"
	case ClassifierModel:
		return "classifier"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ParseSubModel is the inverse of String.
func ParseSubModel(name string) (SubModel, error) {
	for _, s := range AllSubModels {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown sub-model %q", name)
}

// MarshalText lets SubModel be used as a YAML/JSON map key.
func (s SubModel) MarshalText() ([]byte, error) {
	if s < MainEncoder || s > ClassifierModel {
		return nil, fmt.Errorf("unknown sub-model %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *SubModel) UnmarshalText(text []byte) error {
	v, err := ParseSubModel(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
