package settings

// Recall maps decoded image metadata onto the form. Fields missing from
// meta keep their values from base. The returned paths are meant for
// Manager.SetReferenceImages, with "" standing for a null entry; ok is
// false when meta is not a JSON object.
func Recall(base Settings, meta any) (s Settings, paths []string, ok bool) {
	obj, isObj := meta.(map[string]any)
	if !isObj {
		return base, nil, false
	}
	s = base
	if v, isStr := obj["prompt"].(string); isStr {
		s.Prompt = v
	}
	if v, isStr := obj["aspect_ratio"].(string); isStr && v != "" {
		s.AspectRatio = v
	}
	if v, isStr := obj["resolution"].(string); isStr && v != "" {
		s.Resolution = v
	}
	if list, isList := obj["reference_image_paths"].([]any); isList {
		paths = make([]string, len(list))
		for i, p := range list {
			if str, isStr := p.(string); isStr {
				paths[i] = str
			}
		}
	} else {
		paths = []string{}
	}
	return s, paths, true
}
