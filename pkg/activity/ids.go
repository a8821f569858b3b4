package activity

import (
	"fmt"
	"hash/adler32"
	"os"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	idGenOnce sync.Once
	idGen     *snowflake.Node
)

// idGenerator lazily builds a process-wide snowflake node so that ids
// generated by different Activity instances within the same process
// stay sortable and never collide.
func idGenerator() *snowflake.Node {
	idGenOnce.Do(func() {
		hash32 := adler32.New()
		for _, e := range os.Environ() {
			hash32.Write([]byte(e))
		}
		node, err := snowflake.NewNode(int64(hash32.Sum32()) % 1024)
		if err != nil {
			node, err = snowflake.NewNode(0)
			if err != nil {
				panic("activity: can't initialize snowflake id generator: " + err.Error())
			}
		}
		idGen = node
	})
	return idGen
}

// newExecutionId generates a fresh, sortable execution id -- assigned
// once per run and stable from run.enter until run.leave.
func newExecutionId() string {
	return idGenerator().Generate().String()
}

// newSequenceId derives the per-outbound-flow id: a fresh unique id
// derived from flowId_action.
func newSequenceId(flowId string, action OutboundAction) string {
	return fmt.Sprintf("%s_%s_%s", flowId, action, uuid.NewString())
}

// brokerSafeId replaces routing-key-unsafe characters (topic-exchange
// separators, wildcards and spaces) with underscores in an arbitrary
// element/sequence id so
// it can be embedded in a routing key or a deterministic compensation
// id.
func brokerSafeId(id string) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", "#", "_", " ", "_")
	return replacer.Replace(id)
}

// compensationId builds the deterministic id:
// brokerSafeId(activityId)_brokerSafeId(sequenceId).
func compensationId(activityId, sequenceId string) string {
	return brokerSafeId(activityId) + "_" + brokerSafeId(sequenceId)
}
