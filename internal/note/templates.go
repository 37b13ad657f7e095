package note

import "livenote/internal/domain"

type layout struct {
	keys   []domain.SectionKey
	titles map[domain.SectionKey]string
	roles  map[domain.NoteRole]domain.SectionKey
}

var layouts = map[domain.TemplateKind]layout{
	domain.TemplateSOAP: {
		keys: []domain.SectionKey{domain.SectionSubjective, domain.SectionObjective, domain.SectionAssessment, domain.SectionPlan},
		titles: map[domain.SectionKey]string{
			domain.SectionSubjective: "Subjective",
			domain.SectionObjective:  "Objective",
			domain.SectionAssessment: "Assessment",
			domain.SectionPlan:       "Plan",
		},
		roles: map[domain.NoteRole]domain.SectionKey{
			domain.RoleSubjective: domain.SectionSubjective,
			domain.RoleObjective:  domain.SectionObjective,
		},
	},
	domain.TemplateDAP: {
		keys: []domain.SectionKey{domain.SectionData, domain.SectionAssessment, domain.SectionPlan},
		titles: map[domain.SectionKey]string{
			domain.SectionData:       "Data",
			domain.SectionAssessment: "Assessment",
			domain.SectionPlan:       "Plan",
		},
		roles: map[domain.NoteRole]domain.SectionKey{
			domain.RoleSubjective: domain.SectionData,
			domain.RoleObjective:  domain.SectionData,
		},
	},
	domain.TemplateBIRP: {
		keys: []domain.SectionKey{domain.SectionBehavior, domain.SectionIntervention, domain.SectionResponse, domain.SectionPlan},
		titles: map[domain.SectionKey]string{
			domain.SectionBehavior:     "Behavior",
			domain.SectionIntervention: "Intervention",
			domain.SectionResponse:     "Response",
			domain.SectionPlan:         "Plan",
		},
		roles: map[domain.NoteRole]domain.SectionKey{
			domain.RoleSubjective: domain.SectionBehavior,
			domain.RoleObjective:  domain.SectionBehavior,
		},
	},
	domain.TemplateGIRP: {
		keys: []domain.SectionKey{domain.SectionGoals, domain.SectionIntervention, domain.SectionResponse, domain.SectionPlan},
		titles: map[domain.SectionKey]string{
			domain.SectionGoals:        "Goals",
			domain.SectionIntervention: "Intervention",
			domain.SectionResponse:     "Response",
			domain.SectionPlan:         "Plan",
		},
		roles: map[domain.NoteRole]domain.SectionKey{
			domain.RoleSubjective: domain.SectionResponse,
			domain.RoleObjective:  domain.SectionResponse,
		},
	},
}

const unmappedTitle = "Unmapped"

type templatePair struct {
	from domain.TemplateKind
	to   domain.TemplateKind
}

// switchTable lists where each section lands on a template switch.
// Sections missing from a row move to the unmapped bucket.
var switchTable = map[templatePair]map[domain.SectionKey]domain.SectionKey{
	{domain.TemplateSOAP, domain.TemplateDAP}: {
		domain.SectionSubjective: domain.SectionData,
		domain.SectionObjective:  domain.SectionData,
		domain.SectionAssessment: domain.SectionAssessment,
		domain.SectionPlan:       domain.SectionPlan,
	},
	{domain.TemplateSOAP, domain.TemplateBIRP}: {
		domain.SectionSubjective: domain.SectionBehavior,
		domain.SectionObjective:  domain.SectionBehavior,
		domain.SectionAssessment: domain.SectionResponse,
		domain.SectionPlan:       domain.SectionPlan,
	},
	{domain.TemplateSOAP, domain.TemplateGIRP}: {
		domain.SectionSubjective: domain.SectionResponse,
		domain.SectionObjective:  domain.SectionResponse,
		domain.SectionPlan:       domain.SectionPlan,
	},
	{domain.TemplateDAP, domain.TemplateSOAP}: {
		domain.SectionData:       domain.SectionSubjective,
		domain.SectionAssessment: domain.SectionAssessment,
		domain.SectionPlan:       domain.SectionPlan,
	},
	{domain.TemplateDAP, domain.TemplateBIRP}: {
		domain.SectionData:       domain.SectionBehavior,
		domain.SectionAssessment: domain.SectionResponse,
		domain.SectionPlan:       domain.SectionPlan,
	},
	{domain.TemplateDAP, domain.TemplateGIRP}: {
		domain.SectionData: domain.SectionResponse,
		domain.SectionPlan: domain.SectionPlan,
	},
	{domain.TemplateBIRP, domain.TemplateSOAP}: {
		domain.SectionBehavior: domain.SectionObjective,
		domain.SectionResponse: domain.SectionSubjective,
		domain.SectionPlan:     domain.SectionPlan,
	},
	{domain.TemplateBIRP, domain.TemplateDAP}: {
		domain.SectionBehavior: domain.SectionData,
		domain.SectionResponse: domain.SectionData,
		domain.SectionPlan:     domain.SectionPlan,
	},
	{domain.TemplateBIRP, domain.TemplateGIRP}: {
		domain.SectionIntervention: domain.SectionIntervention,
		domain.SectionResponse:     domain.SectionResponse,
		domain.SectionPlan:         domain.SectionPlan,
	},
	{domain.TemplateGIRP, domain.TemplateSOAP}: {
		domain.SectionResponse: domain.SectionSubjective,
		domain.SectionGoals:    domain.SectionPlan,
		domain.SectionPlan:     domain.SectionPlan,
	},
	{domain.TemplateGIRP, domain.TemplateDAP}: {
		domain.SectionIntervention: domain.SectionData,
		domain.SectionResponse:     domain.SectionData,
		domain.SectionGoals:        domain.SectionPlan,
		domain.SectionPlan:         domain.SectionPlan,
	},
	{domain.TemplateGIRP, domain.TemplateBIRP}: {
		domain.SectionIntervention: domain.SectionIntervention,
		domain.SectionResponse:     domain.SectionResponse,
		domain.SectionPlan:         domain.SectionPlan,
	},
}

// SectionKeys lists a template's sections in display order.
func SectionKeys(kind domain.TemplateKind) []domain.SectionKey {
	return append([]domain.SectionKey(nil), layouts[kind].keys...)
}

func targetFor(from, to domain.TemplateKind, key domain.SectionKey) domain.SectionKey {
	if key == domain.SectionUnmapped {
		return domain.SectionUnmapped
	}
	target, ok := switchTable[templatePair{from: from, to: to}][key]
	if !ok {
		return domain.SectionUnmapped
	}
	return target
}
