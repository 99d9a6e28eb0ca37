package pipeline

import "fmt"

// ExpandQuery derives auxiliary sub-queries from a classification. Pure
// function of its input: contextual queries from topics and locations,
// temporal queries from time periods, relationship queries from entity pairs.
func ExpandQuery(class Classification) ExpandedQuery {
	expanded := ExpandedQuery{
		Original:     class.Query,
		Contextual:   []string{},
		Temporal:     []string{},
		Relationship: []string{},
	}

	for _, topic := range class.Topics {
		if topic == "" {
			continue
		}
		expanded.Contextual = append(expanded.Contextual, fmt.Sprintf("%s background and significance", topic))
	}
	for _, loc := range class.Locations {
		if loc == "" {
			continue
		}
		expanded.Contextual = append(expanded.Contextual, fmt.Sprintf("events in %s", loc))
	}

	for _, period := range class.TimePeriods {
		if period == "" {
			continue
		}
		expanded.Temporal = append(expanded.Temporal, fmt.Sprintf("what happened during %s", period))
		if len(class.Locations) > 0 && class.Locations[0] != "" {
			expanded.Temporal = append(expanded.Temporal, fmt.Sprintf("%s in %s", class.Locations[0], period))
		}
	}

	for i := 0; i < len(class.People); i++ {
		if class.People[i] == "" {
			continue
		}
		for j := i + 1; j < len(class.People); j++ {
			if class.People[j] == "" {
				continue
			}
			expanded.Relationship = append(expanded.Relationship,
				fmt.Sprintf("relationship between %s and %s", class.People[i], class.People[j]))
		}
		// A lone entity still gets a character-focused sub-query.
		if len(class.People) == 1 {
			expanded.Relationship = append(expanded.Relationship,
				fmt.Sprintf("%s role and connections", class.People[i]))
		}
	}

	return expanded
}
