package foldstream

// Reducer folds one event into aggregate state, returning the new
// state. Reducers must be pure: rehydration replays them over the
// stream, possibly many times.
type Reducer func(state, data map[string]any) map[string]any

// DeepMerge is the default reducer: map values merge key-wise,
// recursively; every other value, including sequences, is replaced by
// the event's value. The inputs are not mutated.
func DeepMerge(state, data map[string]any) map[string]any {
	merged := make(map[string]any, len(state)+len(data))
	for k, v := range state {
		merged[k] = v
	}
	for k, v := range data {
		prev, exists := merged[k]
		if exists {
			prevMap, prevIsMap := prev.(map[string]any)
			vMap, vIsMap := v.(map[string]any)
			if prevIsMap && vIsMap {
				merged[k] = DeepMerge(prevMap, vMap)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}
