package engine

import (
	"fmt"

	"github.com/swellow-db/swellow/internal/swerr"
)

func unknownEngine(tag Tag) error {
	return swerr.New(swerr.ArgumentError, fmt.Sprintf("unknown engine %q", tag)).
		WithContext("engine", string(tag))
}
