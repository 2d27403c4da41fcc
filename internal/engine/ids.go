package engine

import "github.com/google/uuid"

func newReservationID() string { return "grid-r-" + uuid.NewString()[:18] }
func newProtectiveID() string  { return "grid-p-" + uuid.NewString()[:18] }
func newAdoptedID() string     { return "grid-a-" + uuid.NewString()[:18] }
func newCloseID() string       { return "grid-c-" + uuid.NewString()[:18] }
