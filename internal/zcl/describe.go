package zcl

import "fmt"

// AttributeResult is a read record with its name and decoded value.
type AttributeResult struct {
	AttrID   uint16      `json:"attr_id"`
	AttrName string      `json:"attr_name"`
	TypeID   uint8       `json:"type_id"`
	TypeName string      `json:"type_name"`
	Value    interface{} `json:"value"`
	Status   uint8       `json:"status"`
	Error    string      `json:"error,omitempty"`
}

// Describe names and decodes read records of clusterID using the registry.
func (r *Registry) Describe(clusterID uint16, records []AttributeRecord) []AttributeResult {
	cluster := r.Get(clusterID)
	results := make([]AttributeResult, 0, len(records))
	for _, rec := range records {
		result := AttributeResult{
			AttrID:   rec.ID,
			Status:   rec.Status,
			TypeID:   rec.DataType,
			TypeName: TypeName(rec.DataType),
		}
		if cluster != nil {
			if attr := cluster.FindAttribute(rec.ID); attr != nil {
				result.AttrName = attr.Name
			}
		}
		if result.AttrName == "" {
			result.AttrName = fmt.Sprintf("0x%04X", rec.ID)
		}
		if rec.Status != StatusSuccess {
			result.Error = StatusName(rec.Status)
		} else if val, err := rec.Value(); err != nil {
			result.Error = err.Error()
		} else {
			result.Value = val
		}
		results = append(results, result)
	}
	return results
}
